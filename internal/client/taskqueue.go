package client

import (
	"context"

	"crowdmirror/internal/domain"
)

// TaskQueue is the contract for a work producer that feeds units into the
// marketplace and consumes their answers. Implementations live with the
// application; the client only defines the shape it drives.
type TaskQueue interface {
	// SubmitWorkUnits publishes the queue's pending tasks and returns the
	// created units.
	SubmitWorkUnits(ctx context.Context, c *Client) ([]*domain.WorkUnit, error)
	// RecordAnswer hands a submitted answer back to the producer.
	RecordAnswer(ctx context.Context, a *domain.Assignment, ans domain.Answer) error
	// ListRemaining reports the units still awaiting submissions.
	ListRemaining(ctx context.Context) ([]string, error)
	// ListCompleted reports the units whose work is fully collected.
	ListCompleted(ctx context.Context) ([]string, error)
}

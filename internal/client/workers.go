package client

import (
	"context"
	"errors"
	"fmt"

	"crowdmirror/internal/domain"
	"crowdmirror/internal/mirror"
)

// GrantBonus pays a worker a bonus against one of their assignments and
// records the payment in the mirror. The currency defaults to the
// configured one.
func (c *Client) GrantBonus(ctx context.Context, assignmentID, workerID string, amount domain.Price, reason string) error {
	if amount.Currency == "" {
		amount.Currency = c.cfg.Defaults.Currency
	}
	if err := c.facade.GrantBonus(ctx, assignmentID, workerID, amount, reason); err != nil {
		return err
	}
	return c.store.RecordBonus(ctx, domain.Bonus{
		WorkerID:     workerID,
		AssignmentID: assignmentID,
		Amount:       amount.Amount,
		Currency:     amount.Currency,
		PaymentTime:  c.Now(),
		Reason:       reason,
	})
}

// Bonuses lists mirrored bonus payments.
func (c *Client) Bonuses(ctx context.Context, f mirror.BonusFilters) ([]domain.Bonus, error) {
	return c.store.ListBonuses(ctx, f)
}

// BlockWorker bars a worker from the account's future work units. The
// reason is mandatory: it is the only context a later audit will have.
func (c *Client) BlockWorker(ctx context.Context, workerID, reason string) error {
	if reason == "" {
		return fmt.Errorf("block worker %s: a reason is required", workerID)
	}
	if err := c.facade.BlockWorker(ctx, workerID, reason); err != nil {
		return err
	}
	return c.store.PutWorkerBlock(ctx, domain.WorkerBlock{WorkerID: workerID, Reason: reason})
}

// UnblockWorker lifts a block.
func (c *Client) UnblockWorker(ctx context.Context, workerID, reason string) error {
	if err := c.facade.UnblockWorker(ctx, workerID, reason); err != nil {
		return err
	}
	return c.store.DeleteWorkerBlock(ctx, workerID)
}

// IsWorkerBlocked reads the mirrored block state. Blocks created outside
// this client are invisible until recorded here; the remote offers no
// block listing to reconcile against.
func (c *Client) IsWorkerBlocked(ctx context.Context, workerID string) (bool, error) {
	_, err := c.store.GetWorkerBlock(ctx, workerID)
	if errors.Is(err, mirror.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// WorkerBlockReason returns the recorded reason for a block, or the empty
// string when the worker is not blocked.
func (c *Client) WorkerBlockReason(ctx context.Context, workerID string) (string, error) {
	b, err := c.store.GetWorkerBlock(ctx, workerID)
	if errors.Is(err, mirror.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return b.Reason, nil
}

// WorkerBlocks lists all mirrored blocks.
func (c *Client) WorkerBlocks(ctx context.Context) ([]domain.WorkerBlock, error) {
	return c.store.ListWorkerBlocks(ctx)
}

// NotifyWorkers emails a set of workers through the marketplace and
// records one message row per recipient.
func (c *Client) NotifyWorkers(ctx context.Context, workerIDs []string, subject, text string) error {
	if len(workerIDs) == 0 {
		return nil
	}
	if err := c.facade.NotifyWorkers(ctx, workerIDs, subject, text); err != nil {
		return err
	}
	now := c.Now()
	for _, id := range workerIDs {
		m := domain.WorkerMessage{WorkerID: id, SendTime: now, Subject: subject, Text: text}
		if err := c.store.RecordWorkerMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// MessagesForWorker lists the messages previously sent to one worker.
func (c *Client) MessagesForWorker(ctx context.Context, workerID string) ([]domain.WorkerMessage, error) {
	return c.store.MessagesForWorker(ctx, workerID)
}

// WorkerIDs lists every worker that has ever submitted an assignment
// visible to the mirror.
func (c *Client) WorkerIDs(ctx context.Context) ([]string, error) {
	return c.store.WorkerIDs(ctx)
}

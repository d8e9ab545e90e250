package client

import "fmt"

// Entity kinds used in NotFoundError.
const (
	KindWorkUnitType      = "work unit type"
	KindWorkUnit          = "work unit"
	KindAssignment        = "assignment"
	KindQualificationType = "qualification type"
)

// NotFoundError propagates after every lookup tier (cache, mirror, remote)
// has been exhausted.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DataConsistencyError reports that the remote-reported assignment counts
// never reconciled with the assignments actually fetched. Fatal: it signals
// a remote/local divergence, not a transient condition.
type DataConsistencyError struct {
	WorkUnitID     string
	Fetched        int
	MaxAssignments int
	NumAvailable   int
	NumPending     int
}

func (e *DataConsistencyError) Error() string {
	return fmt.Sprintf("assignment count for work unit %s does not reconcile: fetched %d, max %d, available %d, pending %d",
		e.WorkUnitID, e.Fetched, e.MaxAssignments, e.NumAvailable, e.NumPending)
}

package wire

import "fmt"

// ResponseError reports a response the facade could not make sense of, such
// as a page-number echo that does not match the page requested.
type ResponseError struct {
	Operation string
	Reason    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Reason)
}

// AlreadyFinalizedError reports an approve or reject against an assignment
// that has already reached a terminal status.
type AlreadyFinalizedError struct {
	AssignmentID string
	Status       string
}

func (e *AlreadyFinalizedError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("assignment %s already %s", e.AssignmentID, e.Status)
	}
	return fmt.Sprintf("assignment %s already finalized", e.AssignmentID)
}

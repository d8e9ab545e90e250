package client

import (
	"context"
	"errors"
	"sort"

	"crowdmirror/internal/domain"
	"crowdmirror/internal/mirror"
)

// AssignmentsForWorkUnit collects the assignments submitted against a unit.
// The tiers are consulted cheapest-first and the walk stops as soon as the
// collected set matches the count the unit itself reports. If even the
// remote cannot account for every submitted assignment the counts have
// diverged and the call fails with a DataConsistencyError.
func (c *Client) AssignmentsForWorkUnit(ctx context.Context, unitID string) ([]*domain.Assignment, error) {
	u, err := c.GetWorkUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	want := u.SubmittedCount()
	byID := make(map[string]*domain.Assignment)

	for _, a := range c.cache.AssignmentsForUnit(unitID) {
		byID[a.ID] = a
	}

	if len(byID) != want {
		stored, err := c.store.ListAssignments(ctx, mirror.AssignmentFilters{WorkUnitID: unitID})
		if err != nil {
			return nil, err
		}
		for i := range stored {
			a := stored[i]
			if prev, ok := byID[a.ID]; ok {
				merged := reconcileAssignment(*prev, a)
				if merged != nil {
					if err := c.store.UpdateAssignment(ctx, a.ID, *merged); err != nil {
						return nil, err
					}
					applyAssignmentUpdate(prev, merged)
				}
				continue
			}
			byID[a.ID] = c.cacheAssignment(&stored[i])
		}
	}

	if len(byID) != want {
		if err := c.fetchAssignments(ctx, unitID, byID); err != nil {
			return nil, err
		}
	}

	if len(byID) != want {
		return nil, &DataConsistencyError{
			WorkUnitID:     unitID,
			Fetched:        len(byID),
			MaxAssignments: u.MaxAssignments,
			NumAvailable:   u.NumAvailable,
			NumPending:     u.NumPending,
		}
	}

	now := c.Now()
	out := make([]*domain.Assignment, 0, len(byID))
	for _, a := range byID {
		out = append(out, derivedStatus(a, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmitTime.Equal(out[j].SubmitTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmitTime.Before(out[j].SubmitTime)
	})
	return out, nil
}

func (c *Client) fetchAssignments(ctx context.Context, unitID string, byID map[string]*domain.Assignment) error {
	recs, err := c.facade.ListAssignments(ctx, unitID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		a := rec.Assignment()
		prev, known := byID[a.ID]
		if !known {
			if err := c.store.PutAssignment(ctx, a); err != nil {
				return err
			}
			byID[a.ID] = c.cacheAssignment(&a)
			continue
		}
		if len(prev.Answers) == 0 && len(a.Answers) > 0 {
			prev.Answers = a.Answers
		}
		if merged := reconcileAssignment(*prev, a); merged != nil {
			if err := c.store.UpdateAssignment(ctx, a.ID, *merged); err != nil {
				return err
			}
			applyAssignmentUpdate(prev, merged)
		}
	}
	return nil
}

// applyAssignmentUpdate folds a sparse update into the live object, keeping
// it in step with what was just persisted.
func applyAssignmentUpdate(a *domain.Assignment, upd *mirror.AssignmentUpdate) {
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if upd.SubmitTime != nil {
		a.SubmitTime = *upd.SubmitTime
	}
	if upd.ApprovalTime != nil {
		a.ApprovalTime = upd.ApprovalTime
	}
	if upd.RejectionTime != nil {
		a.RejectionTime = upd.RejectionTime
	}
	if upd.Feedback != nil {
		a.Feedback = *upd.Feedback
	}
}

// reconcileAssignment returns the sparse update that advances a known
// record to what a fresher tier reports, or nil when nothing moved.
// Finalization fields only ever advance; they are never cleared.
func reconcileAssignment(old, fresh domain.Assignment) *mirror.AssignmentUpdate {
	var upd mirror.AssignmentUpdate
	changed := false
	if fresh.Status != old.Status {
		upd.Status = &fresh.Status
		changed = true
	}
	if fresh.ApprovalTime != nil && old.ApprovalTime == nil {
		upd.ApprovalTime = fresh.ApprovalTime
		changed = true
	}
	if fresh.RejectionTime != nil && old.RejectionTime == nil {
		upd.RejectionTime = fresh.RejectionTime
		changed = true
	}
	if fresh.Feedback != "" && fresh.Feedback != old.Feedback {
		upd.Feedback = &fresh.Feedback
		changed = true
	}
	if !changed {
		return nil
	}
	return &upd
}

// Approve pays out an assignment. The remote accepts the approval first;
// only then does the mirror record it. Approving an already-finalized
// assignment surfaces wire.AlreadyFinalizedError.
func (c *Client) Approve(ctx context.Context, assignmentID, feedback string) error {
	if err := c.facade.ApproveAssignment(ctx, assignmentID, feedback); err != nil {
		return err
	}
	return c.finalizeLocal(ctx, assignmentID, domain.AssignmentApproved, feedback)
}

// Reject declines an assignment's work.
func (c *Client) Reject(ctx context.Context, assignmentID, feedback string) error {
	if err := c.facade.RejectAssignment(ctx, assignmentID, feedback); err != nil {
		return err
	}
	return c.finalizeLocal(ctx, assignmentID, domain.AssignmentRejected, feedback)
}

func (c *Client) finalizeLocal(ctx context.Context, assignmentID, status, feedback string) error {
	now := c.Now()
	var err error
	if status == domain.AssignmentApproved {
		err = c.store.MarkAssignmentApproved(ctx, assignmentID, now)
	} else {
		err = c.store.MarkAssignmentRejected(ctx, assignmentID, now)
	}
	// The remote accepted the call, so an unmirrored assignment is merely
	// one we have not fetched yet.
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		return err
	}
	if a, ok := c.cache.GetAssignment(assignmentID); ok {
		a.Status = status
		a.Feedback = feedback
		if status == domain.AssignmentApproved {
			a.ApprovalTime = &now
		} else {
			a.RejectionTime = &now
		}
	}
	return nil
}

// Answers returns the parsed answers of one assignment.
func (c *Client) Answers(ctx context.Context, assignmentID string) ([]domain.Answer, error) {
	a, err := c.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if len(a.Answers) > 0 {
		return a.Answers, nil
	}
	return c.store.AnswersForAssignment(ctx, assignmentID)
}

package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"crowdmirror/internal/domain"
)

// PutAssignment stores an assignment and its answers, replacing any
// previous copy.
func (s Store) PutAssignment(ctx context.Context, a domain.Assignment) error {
	return s.putAssignment(ctx, s.DB, a)
}

// PutAssignmentTx is PutAssignment inside a caller-owned transaction.
func (s Store) PutAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	return s.putAssignment(ctx, tx, a)
}

func (s Store) putAssignment(ctx context.Context, db execer, a domain.Assignment) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO assignment(id,work_unit_id,worker_id,status,accept_time,submit_time,approval_time,rejection_time,autopay_time,feedback)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkUnitID, a.WorkerID, a.Status, fmtTime(a.AcceptTime), fmtTime(a.SubmitTime),
		fmtTimePtr(a.ApprovalTime), fmtTimePtr(a.RejectionTime), fmtTimePtr(a.AutopayTime), nullable(a.Feedback))
	if err != nil {
		return err
	}
	for i, ans := range a.Answers {
		if err := s.putAnswer(ctx, db, ans, i); err != nil {
			return err
		}
	}
	return nil
}

// putAnswer stores one answer; ordinal preserves the answer document order.
func (s Store) putAnswer(ctx context.Context, db execer, ans domain.Answer, ordinal int) error {
	var freeText, selectionID, otherSelection, uploadedKey any
	var uploadedSize any
	switch ans.Kind {
	case domain.AnswerFreeText:
		freeText = ans.FreeText
	case domain.AnswerSelection:
		selectionID = ans.SelectionID
		otherSelection = nullable(ans.OtherSelection)
	case domain.AnswerUploadedFile:
		uploadedKey = ans.UploadedKey
		uploadedSize = ans.UploadedSize
	}
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO answer(id,assignment_id,question_id,ordinal,kind,free_text,selection_id,other_selection,uploaded_key,uploaded_size)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ans.ID(), ans.AssignmentID, ans.QuestionID, ordinal, ans.Kind, freeText, selectionID, otherSelection, uploadedKey, uploadedSize)
	return err
}

const assignmentColumns = `id,work_unit_id,worker_id,status,accept_time,submit_time,approval_time,rejection_time,autopay_time,feedback`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var (
		a                            domain.Assignment
		accept, submit               sql.NullString
		approval, rejection, autopay sql.NullString
		feedback                     sql.NullString
	)
	err := scan(&a.ID, &a.WorkUnitID, &a.WorkerID, &a.Status, &accept, &submit, &approval, &rejection, &autopay, &feedback)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.AcceptTime = parseTime(accept)
	a.SubmitTime = parseTime(submit)
	a.ApprovalTime = parseTimePtr(approval)
	a.RejectionTime = parseTimePtr(rejection)
	a.AutopayTime = parseTimePtr(autopay)
	if feedback.Valid {
		a.Feedback = feedback.String
	}
	return a, nil
}

// GetAssignment loads one assignment with its answers.
func (s Store) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignment WHERE id=?`, id)
	a, err := scanAssignment(row.Scan)
	if err != nil {
		return a, err
	}
	a.Answers, err = s.AnswersForAssignment(ctx, a.ID)
	return a, err
}

// AssignmentFilters narrows ListAssignments.
type AssignmentFilters struct {
	WorkUnitID string
	WorkerID   string
	Status     string
}

// ListAssignments scans stored assignments, answers included.
func (s Store) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var (
		clauses []string
		args    []any
	)
	if f.WorkUnitID != "" {
		clauses = append(clauses, "work_unit_id=?")
		args = append(args, f.WorkUnitID)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignment`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY submit_time, id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Answers, err = s.AnswersForAssignment(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CountAssignmentsForWorkUnit reports how many assignments the mirror holds
// for a unit.
func (s Store) CountAssignmentsForWorkUnit(ctx context.Context, unitID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignment WHERE work_unit_id=?`, unitID).Scan(&n)
	return n, err
}

// AssignmentUpdate names the fields to change; nil fields are left
// untouched.
type AssignmentUpdate struct {
	Status        *string
	SubmitTime    *time.Time
	ApprovalTime  *time.Time
	RejectionTime *time.Time
	Feedback      *string
}

// UpdateAssignment applies a sparse update to one assignment.
func (s Store) UpdateAssignment(ctx context.Context, id string, upd AssignmentUpdate) error {
	var (
		fields []string
		args   []any
	)
	if upd.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *upd.Status)
	}
	if upd.SubmitTime != nil {
		fields = append(fields, "submit_time=?")
		args = append(args, fmtTime(*upd.SubmitTime))
	}
	if upd.ApprovalTime != nil {
		fields = append(fields, "approval_time=?")
		args = append(args, fmtTime(*upd.ApprovalTime))
	}
	if upd.RejectionTime != nil {
		fields = append(fields, "rejection_time=?")
		args = append(args, fmtTime(*upd.RejectionTime))
	}
	if upd.Feedback != nil {
		fields = append(fields, "feedback=?")
		args = append(args, nullable(*upd.Feedback))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE assignment SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAssignmentApproved finalizes an assignment as approved.
func (s Store) MarkAssignmentApproved(ctx context.Context, id string, at time.Time) error {
	status := domain.AssignmentApproved
	return s.UpdateAssignment(ctx, id, AssignmentUpdate{Status: &status, ApprovalTime: &at})
}

// MarkAssignmentRejected finalizes an assignment as rejected.
func (s Store) MarkAssignmentRejected(ctx context.Context, id string, at time.Time) error {
	status := domain.AssignmentRejected
	return s.UpdateAssignment(ctx, id, AssignmentUpdate{Status: &status, RejectionTime: &at})
}

// AnswersForAssignment loads an assignment's answers in the order the
// worker's answer document listed them.
func (s Store) AnswersForAssignment(ctx context.Context, assignmentID string) ([]domain.Answer, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT assignment_id,question_id,kind,free_text,selection_id,other_selection,uploaded_key,uploaded_size FROM answer WHERE assignment_id=? ORDER BY ordinal, id`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Answer
	for rows.Next() {
		var (
			a                                    domain.Answer
			freeText, selectionID, otherSel, key sql.NullString
			size                                 sql.NullInt64
		)
		if err := rows.Scan(&a.AssignmentID, &a.QuestionID, &a.Kind, &freeText, &selectionID, &otherSel, &key, &size); err != nil {
			return nil, err
		}
		if freeText.Valid {
			a.FreeText = freeText.String
		}
		if selectionID.Valid {
			a.SelectionID = selectionID.String
		}
		if otherSel.Valid {
			a.OtherSelection = otherSel.String
		}
		if key.Valid {
			a.UploadedKey = key.String
		}
		if size.Valid {
			a.UploadedSize = size.Int64
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

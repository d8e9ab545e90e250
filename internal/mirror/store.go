package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"crowdmirror/internal/domain"
)

// Store is the durable local copy of every entity the client has ever seen.
// Writes commit per statement through the pooled handle; bulk reconciliation
// uses the Tx variants inside one transaction.
type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Begin opens a transaction for batched writes.
func (s Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const timeLayout = time.RFC3339

func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, ns.String)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// PutWorkUnitType stores a type and its qualification requirements,
// replacing any previous copy.
func (s Store) PutWorkUnitType(ctx context.Context, t domain.WorkUnitType) error {
	return s.putWorkUnitType(ctx, s.DB, t)
}

// PutWorkUnitTypeTx is PutWorkUnitType inside a caller-owned transaction.
func (s Store) PutWorkUnitTypeTx(ctx context.Context, tx *sql.Tx, t domain.WorkUnitType) error {
	return s.putWorkUnitType(ctx, tx, t)
}

func (s Store) putWorkUnitType(ctx context.Context, db execer, t domain.WorkUnitType) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO work_unit_type(id,title,description,reward_amount,reward_currency,time_limit_secs,autopay_delay_secs,keywords)
VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Reward.Amount, t.Reward.Currency,
		int64(t.TimeLimit/time.Second), int64(t.AutopayDelay/time.Second), nullable(domain.JoinKeywords(t.Keywords)))
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM work_unit_type_qualification WHERE type_id=?`, t.ID); err != nil {
		return err
	}
	for _, q := range t.Qualifications {
		var intVal, localeVal any
		if q.IntegerValue != nil {
			intVal = *q.IntegerValue
		}
		if q.LocaleValue != nil {
			localeVal = *q.LocaleValue
		}
		_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO work_unit_type_qualification(type_id,qualification_type_id,comparator,integer_value,locale_value,required_to_preview)
VALUES (?,?,?,?,?,?)`,
			t.ID, q.QualificationTypeID, q.Comparator, intVal, localeVal, q.RequiredToPreview)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetWorkUnitType loads a type with its qualification requirements.
func (s Store) GetWorkUnitType(ctx context.Context, id string) (domain.WorkUnitType, error) {
	var (
		t                    domain.WorkUnitType
		desc, keywords       sql.NullString
		timeLimitS, autopayS int64
	)
	err := s.DB.QueryRowContext(ctx, `SELECT id,title,description,reward_amount,reward_currency,time_limit_secs,autopay_delay_secs,keywords FROM work_unit_type WHERE id=?`, id).
		Scan(&t.ID, &t.Title, &desc, &t.Reward.Amount, &t.Reward.Currency, &timeLimitS, &autopayS, &keywords)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if keywords.Valid {
		t.Keywords = domain.SplitKeywords(keywords.String)
	}
	t.TimeLimit = time.Duration(timeLimitS) * time.Second
	t.AutopayDelay = time.Duration(autopayS) * time.Second
	quals, err := s.qualificationsForType(ctx, id)
	if err != nil {
		return t, err
	}
	t.Qualifications = quals
	return t, nil
}

func (s Store) qualificationsForType(ctx context.Context, typeID string) ([]domain.QualificationRequirement, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT qualification_type_id,comparator,integer_value,locale_value,required_to_preview FROM work_unit_type_qualification WHERE type_id=?`, typeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quals []domain.QualificationRequirement
	for rows.Next() {
		var (
			q      domain.QualificationRequirement
			intVal sql.NullInt64
			locVal sql.NullString
		)
		if err := rows.Scan(&q.QualificationTypeID, &q.Comparator, &intVal, &locVal, &q.RequiredToPreview); err != nil {
			return nil, err
		}
		if intVal.Valid {
			v := int(intVal.Int64)
			q.IntegerValue = &v
		}
		if locVal.Valid {
			lv := locVal.String
			q.LocaleValue = &lv
		}
		quals = append(quals, q)
	}
	return quals, rows.Err()
}

// ListWorkUnitTypes returns every stored type, without qualification detail.
func (s Store) ListWorkUnitTypes(ctx context.Context) ([]domain.WorkUnitType, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,title,COALESCE(description,'') AS description,reward_amount,reward_currency,time_limit_secs,autopay_delay_secs,COALESCE(keywords,'') AS keywords FROM work_unit_type ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkUnitType
	for rows.Next() {
		var (
			t                    domain.WorkUnitType
			keywords             string
			timeLimitS, autopayS int64
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Reward.Amount, &t.Reward.Currency, &timeLimitS, &autopayS, &keywords); err != nil {
			return nil, err
		}
		t.TimeLimit = time.Duration(timeLimitS) * time.Second
		t.AutopayDelay = time.Duration(autopayS) * time.Second
		t.Keywords = domain.SplitKeywords(keywords)
		res = append(res, t)
	}
	return res, rows.Err()
}

// PutWorkUnit stores a unit, replacing any previous copy.
func (s Store) PutWorkUnit(ctx context.Context, u domain.WorkUnit) error {
	return s.putWorkUnit(ctx, s.DB, u)
}

// PutWorkUnitTx is PutWorkUnit inside a caller-owned transaction.
func (s Store) PutWorkUnitTx(ctx context.Context, tx *sql.Tx, u domain.WorkUnit) error {
	return s.putWorkUnit(ctx, tx, u)
}

func (s Store) putWorkUnit(ctx context.Context, db execer, u domain.WorkUnit) error {
	_, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO work_unit(id,type_id,status,creation_time,expiration_time,approximate_expiration_time,max_assignments,num_pending,num_available,num_completed,annotation,question)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.TypeID, u.Status, fmtTime(u.CreationTime), fmtTime(u.ExpirationTime), fmtTimePtr(u.ApproxExpirationTime),
		u.MaxAssignments, u.NumPending, u.NumAvailable, u.NumCompleted, nullable(u.Annotation), nullable(u.Question))
	return err
}

func scanWorkUnit(scan func(dest ...any) error) (domain.WorkUnit, error) {
	var (
		u                    domain.WorkUnit
		expiration, approx   sql.NullString
		creation             sql.NullString
		annotation, question sql.NullString
	)
	err := scan(&u.ID, &u.TypeID, &u.Status, &creation, &expiration, &approx,
		&u.MaxAssignments, &u.NumPending, &u.NumAvailable, &u.NumCompleted, &annotation, &question)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.CreationTime = parseTime(creation)
	u.ExpirationTime = parseTime(expiration)
	u.ApproxExpirationTime = parseTimePtr(approx)
	if annotation.Valid {
		u.Annotation = annotation.String
	}
	if question.Valid {
		u.Question = question.String
	}
	return u, nil
}

const workUnitColumns = `id,type_id,status,creation_time,expiration_time,approximate_expiration_time,max_assignments,num_pending,num_available,num_completed,annotation,question`

// GetWorkUnit loads one unit by id.
func (s Store) GetWorkUnit(ctx context.Context, id string) (domain.WorkUnit, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM work_unit WHERE id=?`, id)
	return scanWorkUnit(row.Scan)
}

// WorkUnitFilters narrows ListWorkUnits. Zero values mean no filtering.
type WorkUnitFilters struct {
	TypeID        string
	Status        string
	ExcludeStatus string
	CreatedSince  time.Time
	CreatedUntil  time.Time
}

// ListWorkUnits scans stored units with optional filters.
func (s Store) ListWorkUnits(ctx context.Context, f WorkUnitFilters) ([]domain.WorkUnit, error) {
	var (
		clauses []string
		args    []any
	)
	if f.TypeID != "" {
		clauses = append(clauses, "type_id=?")
		args = append(args, f.TypeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ExcludeStatus != "" {
		clauses = append(clauses, "status != ?")
		args = append(args, f.ExcludeStatus)
	}
	if !f.CreatedSince.IsZero() {
		clauses = append(clauses, "creation_time >= ?")
		args = append(args, f.CreatedSince.UTC().Format(timeLayout))
	}
	if !f.CreatedUntil.IsZero() {
		clauses = append(clauses, "creation_time <= ?")
		args = append(args, f.CreatedUntil.UTC().Format(timeLayout))
	}
	query := `SELECT ` + workUnitColumns + ` FROM work_unit`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY creation_time, id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkUnit
	for rows.Next() {
		u, err := scanWorkUnit(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// WorkUnitUpdate names the fields to change; nil fields are left untouched.
// ClearApproxExpiration drops the placeholder once the exact server value is
// known.
type WorkUnitUpdate struct {
	Status                *string
	CreationTime          *time.Time
	ExpirationTime        *time.Time
	ApproxExpirationTime  *time.Time
	ClearApproxExpiration bool
	MaxAssignments        *int
	NumPending            *int
	NumAvailable          *int
	NumCompleted          *int
	Question              *string
}

// UpdateWorkUnit applies a sparse update to one unit.
func (s Store) UpdateWorkUnit(ctx context.Context, id string, upd WorkUnitUpdate) error {
	return s.updateWorkUnit(ctx, s.DB, id, upd)
}

// UpdateWorkUnitTx is UpdateWorkUnit inside a caller-owned transaction.
func (s Store) UpdateWorkUnitTx(ctx context.Context, tx *sql.Tx, id string, upd WorkUnitUpdate) error {
	return s.updateWorkUnit(ctx, tx, id, upd)
}

func (s Store) updateWorkUnit(ctx context.Context, db execer, id string, upd WorkUnitUpdate) error {
	var (
		fields []string
		args   []any
	)
	if upd.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *upd.Status)
	}
	if upd.CreationTime != nil {
		fields = append(fields, "creation_time=?")
		args = append(args, fmtTime(*upd.CreationTime))
	}
	if upd.ExpirationTime != nil {
		fields = append(fields, "expiration_time=?")
		args = append(args, fmtTime(*upd.ExpirationTime))
	}
	if upd.ApproxExpirationTime != nil {
		fields = append(fields, "approximate_expiration_time=?")
		args = append(args, fmtTime(*upd.ApproxExpirationTime))
	} else if upd.ClearApproxExpiration {
		fields = append(fields, "approximate_expiration_time=NULL")
	}
	if upd.MaxAssignments != nil {
		fields = append(fields, "max_assignments=?")
		args = append(args, *upd.MaxAssignments)
	}
	if upd.NumPending != nil {
		fields = append(fields, "num_pending=?")
		args = append(args, *upd.NumPending)
	}
	if upd.NumAvailable != nil {
		fields = append(fields, "num_available=?")
		args = append(args, *upd.NumAvailable)
	}
	if upd.NumCompleted != nil {
		fields = append(fields, "num_completed=?")
		args = append(args, *upd.NumCompleted)
	}
	if upd.Question != nil {
		fields = append(fields, "question=?")
		args = append(args, nullable(*upd.Question))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE work_unit SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// WorkUnitIDsExcludingStatus returns ids of units not in the given status.
// Reconciliation uses this to find units that may have been disposed.
func (s Store) WorkUnitIDsExcludingStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM work_unit WHERE status != ?`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

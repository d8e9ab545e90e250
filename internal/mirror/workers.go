package mirror

import (
	"context"
	"database/sql"
	"strings"

	"crowdmirror/internal/domain"
)

// PutWorkerBlock records (or re-records) a worker block.
func (s Store) PutWorkerBlock(ctx context.Context, b domain.WorkerBlock) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO worker_block(worker_id,reason) VALUES (?,?)`,
		b.WorkerID, nullable(b.Reason))
	return err
}

// DeleteWorkerBlock removes a block. Missing rows are not an error, matching
// the remote unblock call's tolerance.
func (s Store) DeleteWorkerBlock(ctx context.Context, workerID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM worker_block WHERE worker_id=?`, workerID)
	return err
}

// GetWorkerBlock loads a block by worker id.
func (s Store) GetWorkerBlock(ctx context.Context, workerID string) (domain.WorkerBlock, error) {
	var (
		b      domain.WorkerBlock
		reason sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `SELECT worker_id,reason FROM worker_block WHERE worker_id=?`, workerID).
		Scan(&b.WorkerID, &reason)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if reason.Valid {
		b.Reason = reason.String
	}
	return b, err
}

// ListWorkerBlocks returns every recorded block.
func (s Store) ListWorkerBlocks(ctx context.Context) ([]domain.WorkerBlock, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT worker_id,COALESCE(reason,'') AS reason FROM worker_block ORDER BY worker_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkerBlock
	for rows.Next() {
		var b domain.WorkerBlock
		if err := rows.Scan(&b.WorkerID, &b.Reason); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// RecordWorkerMessage logs one sent notification message.
func (s Store) RecordWorkerMessage(ctx context.Context, m domain.WorkerMessage) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO worker_message(worker_id,send_time,subject,message_text) VALUES (?,?,?,?)`,
		m.WorkerID, fmtTime(m.SendTime), nullable(m.Subject), nullable(m.Text))
	return err
}

// MessagesForWorker returns the messages sent to one worker, oldest first.
func (s Store) MessagesForWorker(ctx context.Context, workerID string) ([]domain.WorkerMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT worker_id,send_time,COALESCE(subject,'') AS subject,COALESCE(message_text,'') AS message_text FROM worker_message WHERE worker_id=? ORDER BY send_time`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkerMessage
	for rows.Next() {
		var (
			m        domain.WorkerMessage
			sendTime sql.NullString
		)
		if err := rows.Scan(&m.WorkerID, &sendTime, &m.Subject, &m.Text); err != nil {
			return nil, err
		}
		m.SendTime = parseTime(sendTime)
		res = append(res, m)
	}
	return res, rows.Err()
}

// RecordBonus logs one granted bonus.
func (s Store) RecordBonus(ctx context.Context, b domain.Bonus) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO bonus(worker_id,assignment_id,amount,currency,payment_time,reason) VALUES (?,?,?,?,?,?)`,
		b.WorkerID, b.AssignmentID, b.Amount, b.Currency, fmtTime(b.PaymentTime), nullable(b.Reason))
	return err
}

// BonusFilters narrows ListBonuses.
type BonusFilters struct {
	WorkerID     string
	AssignmentID string
}

// ListBonuses returns recorded bonuses, optionally filtered.
func (s Store) ListBonuses(ctx context.Context, f BonusFilters) ([]domain.Bonus, error) {
	var (
		clauses []string
		args    []any
	)
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.AssignmentID != "" {
		clauses = append(clauses, "assignment_id=?")
		args = append(args, f.AssignmentID)
	}
	query := `SELECT worker_id,assignment_id,amount,currency,payment_time,COALESCE(reason,'') AS reason FROM bonus`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY payment_time`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bonus
	for rows.Next() {
		var (
			b           domain.Bonus
			paymentTime sql.NullString
		)
		if err := rows.Scan(&b.WorkerID, &b.AssignmentID, &b.Amount, &b.Currency, &paymentTime, &b.Reason); err != nil {
			return nil, err
		}
		b.PaymentTime = parseTime(paymentTime)
		res = append(res, b)
	}
	return res, rows.Err()
}

// WorkerIDs returns every worker id seen in any assignment.
func (s Store) WorkerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT worker_id FROM assignment ORDER BY worker_id`)
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

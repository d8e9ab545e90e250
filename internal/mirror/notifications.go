package mirror

import (
	"context"
	"database/sql"
	"time"

	"crowdmirror/internal/domain"
)

// PutNotificationRegistration records that a type's events are routed to the
// configured destination.
func (s Store) PutNotificationRegistration(ctx context.Context, r domain.NotificationRegistration) error {
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO notification_registration(type_id,registered_time,connected,last_received_time) VALUES (?,?,?,?)`,
		r.TypeID, fmtTime(r.RegisteredTime), r.Connected, fmtTimePtr(r.LastReceivedTime))
	return err
}

// GetNotificationRegistration loads one registration by type id.
func (s Store) GetNotificationRegistration(ctx context.Context, typeID string) (domain.NotificationRegistration, error) {
	var (
		r                        domain.NotificationRegistration
		registered, lastReceived sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `SELECT type_id,registered_time,connected,last_received_time FROM notification_registration WHERE type_id=?`, typeID).
		Scan(&r.TypeID, &registered, &r.Connected, &lastReceived)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.RegisteredTime = parseTime(registered)
	r.LastReceivedTime = parseTimePtr(lastReceived)
	return r, nil
}

// ListNotificationRegistrations returns every registration.
func (s Store) ListNotificationRegistrations(ctx context.Context) ([]domain.NotificationRegistration, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT type_id,registered_time,connected,last_received_time FROM notification_registration ORDER BY type_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationRegistration
	for rows.Next() {
		var (
			r                        domain.NotificationRegistration
			registered, lastReceived sql.NullString
		)
		if err := rows.Scan(&r.TypeID, &registered, &r.Connected, &lastReceived); err != nil {
			return nil, err
		}
		r.RegisteredTime = parseTime(registered)
		r.LastReceivedTime = parseTimePtr(lastReceived)
		res = append(res, r)
	}
	return res, rows.Err()
}

// DeleteNotificationRegistration drops a registration after it is disabled.
func (s Store) DeleteNotificationRegistration(ctx context.Context, typeID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM notification_registration WHERE type_id=?`, typeID)
	return err
}

// TouchNotificationRegistration marks a registration connected and stamps
// the latest delivery.
func (s Store) TouchNotificationRegistration(ctx context.Context, typeID string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE notification_registration SET connected=1, last_received_time=? WHERE type_id=?`,
		fmtTime(at), typeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

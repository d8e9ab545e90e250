// Package requestlog keeps an audit trail of outgoing marketplace calls.
package requestlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records one call. The signature and credential parameters never
// reach the log.
func (w Writer) Append(ctx context.Context, operation string, params url.Values, callErr error) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(redact(params))
	if err != nil {
		return fmt.Errorf("marshal request params: %w", err)
	}
	errText := ""
	if callErr != nil {
		errText = callErr.Error()
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO request_log(ts,operation,params_json,error) VALUES (?,?,?,?)`,
		ts, operation, string(data), nullable(errText))
	return err
}

// Hook adapts the writer to the transport's request hook. Logging is best
// effort: a failed insert never fails the call it describes.
func (w Writer) Hook() func(operation string, params url.Values, callErr error) {
	return func(operation string, params url.Values, callErr error) {
		_ = w.Append(context.Background(), operation, params, callErr)
	}
}

// Entry is one logged call.
type Entry struct {
	ID        int64
	TS        time.Time
	Operation string
	Params    map[string]string
	Error     string
}

// Recent returns the newest entries, newest first.
func (w Writer) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,operation,params_json,error FROM request_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			ts     string
			params string
			errCol sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Operation, &params, &errCol); err != nil {
			return nil, err
		}
		e.TS, _ = time.Parse(time.RFC3339, ts)
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			return nil, fmt.Errorf("corrupt params for entry %d: %w", e.ID, err)
		}
		e.Error = errCol.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func redact(params url.Values) map[string]string {
	flat := make(map[string]string, len(params))
	for k := range params {
		switch k {
		case "Signature", "AWSAccessKeyId":
			continue
		}
		flat[k] = params.Get(k)
	}
	return flat
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

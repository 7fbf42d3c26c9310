package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// FaultRow is a stored fault occurrence.
type FaultRow struct {
	ID        string    `json:"id"`
	DeviceID  uint32    `json:"device_id"`
	Type      string    `json:"type"`
	Class     string    `json:"class"`
	Subsystem string    `json:"subsystem"`
	StreamID  uint32    `json:"stream_id"`
	TaskID    uint32    `json:"task_id"`
	DieID     uint8     `json:"die_id"`
	MissionID uint8     `json:"mission_id"`
	InstID    uint16    `json:"inst_id"`
	EventID   uint32    `json:"event_id"`
	MteCode   uint32    `json:"mte_code"`
	Args      [4]uint64 `json:"args"`
	At        time.Time `json:"at"`
}

// CompletionRow is a stored completion.
type CompletionRow struct {
	ID        string          `json:"id"`
	DeviceID  uint32          `json:"device_id"`
	StreamID  uint32          `json:"stream_id"`
	TaskID    uint32          `json:"task_id"`
	Sn        uint32          `json:"task_sn"`
	Kind      string          `json:"kind"`
	ErrorType uint8           `json:"error_type"`
	ErrorCode uint32          `json:"error_code"`
	MteCode   uint32          `json:"mte_code"`
	Exception json.RawMessage `json:"exception,omitempty"`
	At        time.Time       `json:"at"`
}

// RecentFaults returns up to limit faults, newest first.
func (j *Journal) RecentFaults(ctx context.Context, limit int) ([]FaultRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, device_id, type, class, subsystem, stream_id, task_id, die_id, mission_id, inst_id, event_id, mte_code, args, at_ns
		FROM faults ORDER BY at_ns DESC, rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: query faults: %w", err)
	}
	defer rows.Close()

	var out []FaultRow
	for rows.Next() {
		var (
			r    FaultRow
			args string
			at   int64
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Type, &r.Class, &r.Subsystem, &r.StreamID, &r.TaskID,
			&r.DieID, &r.MissionID, &r.InstID, &r.EventID, &r.MteCode, &args, &at); err != nil {
			return nil, fmt.Errorf("journal: scan fault: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &r.Args); err != nil {
			return nil, fmt.Errorf("journal: decode args of %s: %w", r.ID, err)
		}
		r.At = time.Unix(0, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentCompletions returns up to limit completions for streamID, newest
// first. A negative streamID selects every stream.
func (j *Journal) RecentCompletions(ctx context.Context, streamID int64, limit int) ([]CompletionRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, device_id, stream_id, task_id, task_sn, kind, error_type, error_code, mte_code, exception, at_ns
		FROM completions WHERE (? < 0 OR stream_id = ?)
		ORDER BY at_ns DESC, rowid DESC LIMIT ?`, streamID, streamID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: query completions: %w", err)
	}
	defer rows.Close()

	var out []CompletionRow
	for rows.Next() {
		var (
			r   CompletionRow
			exc sql.NullString
			at  int64
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.StreamID, &r.TaskID, &r.Sn, &r.Kind,
			&r.ErrorType, &r.ErrorCode, &r.MteCode, &exc, &at); err != nil {
			return nil, fmt.Errorf("journal: scan completion: %w", err)
		}
		if exc.Valid {
			r.Exception = json.RawMessage(exc.String)
		}
		r.At = time.Unix(0, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 100
	case n > 1000:
		return 1000
	}
	return n
}

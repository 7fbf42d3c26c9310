package journal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samcharles93/rts/internal/completion"
	"github.com/samcharles93/rts/internal/fault"
)

var _ completion.Journal = (*Journal)(nil)

// RecordCompletion stores one handled completion.
func (j *Journal) RecordCompletion(ctx context.Context, e completion.Entry) error {
	var exc sql.NullString
	if e.Exception != nil {
		b, err := e.Exception.JSON()
		if err != nil {
			return fmt.Errorf("journal: encode exception: %w", err)
		}
		exc = sql.NullString{String: string(b), Valid: true}
	}
	at := e.At
	if at.IsZero() {
		at = j.now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO completions (id, device_id, stream_id, task_id, task_sn, kind, error_type, error_code, mte_code, exception, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.DeviceID, e.StreamID, e.TaskID, e.Sn, e.Kind,
		e.ErrorType, e.ErrorCode, e.MteCode, exc, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal: insert completion: %w", err)
	}
	return nil
}

// RecordFault stores one fault occurrence. The occurrence id is the row key,
// so a repeated callback for the same occurrence is ignored.
func (j *Journal) RecordFault(ctx context.Context, ev fault.Event) error {
	args, err := json.Marshal(ev.Args)
	if err != nil {
		return fmt.Errorf("journal: encode args: %w", err)
	}
	id := ev.OccurrenceID
	if id == "" {
		id = uuid.NewString()
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO faults (id, device_id, type, class, subsystem, stream_id, task_id, die_id, mission_id, inst_id, event_id, mte_code, args, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ev.DeviceID, ev.Type.String(), ev.Class.String(), ev.Subsystem, ev.StreamID, ev.TaskID,
		ev.DieID, ev.MissionID, ev.InstID, ev.EventID, ev.MteCode, string(args), j.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal: insert fault: %w", err)
	}
	return nil
}

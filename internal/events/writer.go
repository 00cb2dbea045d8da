package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends events of one session to the events table.
type Writer struct {
	DB        *sql.DB
	SessionID string
	Now       func() time.Time
}

func (w Writer) Emit(ctx context.Context, evt Event) error {
	ts := evt.TS
	if ts.IsZero() {
		if w.Now == nil {
			w.Now = time.Now
		}
		ts = w.Now()
	}
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(session_id,ts,day,phase,type,visibility,participant,message,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.SessionID, ts.UTC().Format(time.RFC3339Nano), evt.Day, string(evt.Phase), evt.Type, string(evt.Visibility),
		nullable(evt.Participant), evt.Message, string(data))
	if err != nil {
		return fmt.Errorf("insert event %s: %w", evt.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

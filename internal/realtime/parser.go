package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tmarotta/quill/internal/remote"
)

// envelope is the store's phoenix-style frame.
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type changePayload struct {
	Type      string                     `json:"type"`
	Record    map[string]json.RawMessage `json:"record"`
	OldRecord map[string]json.RawMessage `json:"old_record"`
}

// parseFrame decodes one wire frame into a typed event. Non-change frames
// (join replies, heartbeat acks, presence noise) return (nil, nil).
func parseFrame(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Event {
	case "INSERT", "UPDATE", "DELETE":
	default:
		return nil, nil
	}

	var payload changePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
	}

	switch env.Event {
	case "INSERT":
		msg, err := decodeRecord(payload.Record)
		if err != nil {
			return nil, err
		}
		return InsertEvent{Message: *msg}, nil
	case "UPDATE":
		id, err := recordID(payload.Record)
		if err != nil {
			return nil, err
		}
		fields, err := decodeFields(payload.Record)
		if err != nil {
			return nil, err
		}
		return UpdateEvent{ID: id, Fields: fields}, nil
	default: // DELETE carries only the old row's key
		id, err := recordID(payload.OldRecord)
		if err != nil {
			return nil, err
		}
		return DeleteEvent{ID: id}, nil
	}
}

func recordID(record map[string]json.RawMessage) (string, error) {
	raw, ok := record["id"]
	if !ok {
		return "", fmt.Errorf("change record has no id")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("decode record id: %w", err)
	}
	return id, nil
}

// decodeRecord turns a full row into a canonical message.
func decodeRecord(record map[string]json.RawMessage) (*remote.Message, error) {
	var msg remote.Message
	full, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(full, &msg); err != nil {
		return nil, fmt.Errorf("decode message record: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message record has no id")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return &msg, nil
}

// decodeFields builds a partial update from only the keys present in the
// frame, so downstream merging never has to guess at absent columns.
func decodeFields(record map[string]json.RawMessage) (remote.UpdateFields, error) {
	var fields remote.UpdateFields
	if raw, ok := record["content"]; ok {
		if err := json.Unmarshal(raw, &fields.Content); err != nil {
			return fields, fmt.Errorf("decode content: %w", err)
		}
	}
	if raw, ok := record["media_url"]; ok {
		if err := json.Unmarshal(raw, &fields.MediaURL); err != nil {
			return fields, fmt.Errorf("decode media_url: %w", err)
		}
	}
	if raw, ok := record["seen"]; ok {
		if err := json.Unmarshal(raw, &fields.Seen); err != nil {
			return fields, fmt.Errorf("decode seen: %w", err)
		}
	}
	if raw, ok := record["kind"]; ok {
		if err := json.Unmarshal(raw, &fields.Kind); err != nil {
			return fields, fmt.Errorf("decode kind: %w", err)
		}
	}
	if raw, ok := record["duration_secs"]; ok {
		if err := json.Unmarshal(raw, &fields.DurationSecs); err != nil {
			return fields, fmt.Errorf("decode duration_secs: %w", err)
		}
	}
	return fields, nil
}

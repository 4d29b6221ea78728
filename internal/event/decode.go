package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownKind = errors.New("unknown event kind")
var ErrMissingSession = errors.New("event without session id")

type envelope struct {
	SessionID  string          `json:"session_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Decode turns one wire frame into a member of the closed event union.
// Unrecognized kinds return ErrUnknownKind so callers can log and drop
// them instead of propagating untyped data.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if strings.TrimSpace(env.SessionID) == "" {
		return nil, ErrMissingSession
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}

	switch env.Kind {
	case KindTextDelta:
		var ev TextDelta
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		applyEnvelope(&ev.SessionID, &ev.OccurredAt, env)
		return ev, nil
	case KindReasoningDelta:
		var ev ReasoningDelta
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		applyEnvelope(&ev.SessionID, &ev.OccurredAt, env)
		return ev, nil
	case KindToolStatus:
		var ev ToolStatus
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		applyEnvelope(&ev.SessionID, &ev.OccurredAt, env)
		return ev, nil
	case KindPermissionRequest:
		var ev PermissionRequest
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		applyEnvelope(&ev.SessionID, &ev.OccurredAt, env)
		return ev, nil
	case KindTurnIdle:
		var ev TurnIdle
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		applyEnvelope(&ev.SessionID, &ev.OccurredAt, env)
		return ev, nil
	case KindModeChanged:
		var ev ModeChanged
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		applyEnvelope(&ev.SessionID, &ev.OccurredAt, env)
		return ev, nil
	case KindSessionChanged:
		var ev SessionChanged
		if err := unmarshalPayload(env, &ev); err != nil {
			return nil, err
		}
		applyEnvelope(&ev.SessionID, &ev.OccurredAt, env)
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

func unmarshalPayload(env envelope, value any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, value); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return nil
}

// applyEnvelope copies envelope routing fields onto the decoded payload
// so a payload may omit them.
func applyEnvelope(sessionID *string, occurredAt *time.Time, env envelope) {
	if strings.TrimSpace(*sessionID) == "" {
		*sessionID = env.SessionID
	}
	if occurredAt.IsZero() {
		*occurredAt = env.OccurredAt
	}
}

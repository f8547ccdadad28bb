package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	ErrPayloadMismatch   = errors.New("protocol: payload does not match kind")
)

type Stage int

const (
	StageEnvelope Stage = iota
	StagePayload
)

func (s Stage) String() string {
	if s == StageEnvelope {
		return "envelope"
	}
	return "payload"
}

// DecodeError reports which layer of a frame failed to decode.
// errors.Is matches ErrMalformedEnvelope or ErrPayloadMismatch by stage.
type DecodeError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("decode %s (kind=%s): %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformedEnvelope:
		return e.Stage == StageEnvelope
	case ErrPayloadMismatch:
		return e.Stage == StagePayload
	}
	return false
}

// DecodeEnvelope parses the outer structure of a frame. The payload is kept
// raw; use the typed accessors to decode it against the declared kind.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Stage: StageEnvelope, Err: err}
	}
	if !env.Kind.Valid() {
		return Envelope{}, &DecodeError{Stage: StageEnvelope, Kind: env.Kind, Err: fmt.Errorf("unknown kind %q", env.Kind)}
	}
	trimmed := bytes.TrimSpace(env.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &DecodeError{Stage: StageEnvelope, Kind: env.Kind, Err: errors.New("payload must be an object")}
	}
	return env, nil
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (e Envelope) Auth() (AuthPayload, error) {
	var p AuthPayload
	if err := e.decodePayload(KindAuth, &p); err != nil {
		return AuthPayload{}, err
	}
	switch p.Action {
	case AuthRequest:
		if p.Token == "" && p.Username == "" {
			return AuthPayload{}, e.mismatch(errors.New("request needs a token or a username"))
		}
	case AuthRefresh:
		if p.RefreshToken == "" {
			return AuthPayload{}, e.mismatch(errors.New("refresh_token is required"))
		}
	case AuthResponse, AuthLogout:
	default:
		return AuthPayload{}, e.mismatch(fmt.Errorf("unknown auth action %q", p.Action))
	}
	return p, nil
}

func (e Envelope) InputEvent() (InputEvent, error) {
	var ev InputEvent
	if err := e.decodePayload(KindInputEvent, &ev); err != nil {
		return InputEvent{}, err
	}
	switch ev.EventType {
	case EventMouseMove:
		if ev.X == nil || ev.Y == nil {
			return InputEvent{}, e.mismatch(errors.New("mouse_move needs x and y"))
		}
	case EventMouseClick:
		switch ev.Button {
		case ButtonLeft, ButtonRight, ButtonMiddle, ButtonX1, ButtonX2:
		default:
			return InputEvent{}, e.mismatch(fmt.Errorf("unknown button %q", ev.Button))
		}
	case EventMouseScroll:
	case EventKey:
		if ev.Key == "" {
			return InputEvent{}, e.mismatch(errors.New("key_event needs a key"))
		}
	default:
		return InputEvent{}, e.mismatch(fmt.Errorf("unknown event_type %q", ev.EventType))
	}
	return ev, nil
}

func (e Envelope) SessionControl() (SessionControl, error) {
	var c SessionControl
	if err := e.decodePayload(KindSessionControl, &c); err != nil {
		return SessionControl{}, err
	}
	switch c.Action {
	case ActionJoinSession:
		if c.TargetClientID == "" {
			return SessionControl{}, e.mismatch(errors.New("join_session needs target_client_id"))
		}
	case ActionCreateSession, ActionRegistered, ActionSessionStarted, ActionListClients,
		ActionClientList, ActionEndSession, ActionSessionEnded, ActionRejected:
	default:
		return SessionControl{}, e.mismatch(fmt.Errorf("unknown action %q", c.Action))
	}
	return c, nil
}

func (e Envelope) Status() (StatusPayload, error) {
	var s StatusPayload
	if err := e.decodePayload(KindStatus, &s); err != nil {
		return StatusPayload{}, err
	}
	switch s.StatusType {
	case StatusHeartbeat, StatusConnectionStatus, StatusError:
	default:
		return StatusPayload{}, e.mismatch(fmt.Errorf("unknown status_type %q", s.StatusType))
	}
	return s, nil
}

// Validate decodes the payload for the declared kind and discards it.
func (e Envelope) Validate() error {
	var err error
	switch e.Kind {
	case KindAuth:
		_, err = e.Auth()
	case KindInputEvent:
		_, err = e.InputEvent()
	case KindSessionControl:
		_, err = e.SessionControl()
	case KindStatus:
		_, err = e.Status()
	default:
		err = &DecodeError{Stage: StageEnvelope, Kind: e.Kind, Err: fmt.Errorf("unknown kind %q", e.Kind)}
	}
	return err
}

func (e Envelope) decodePayload(want Kind, v any) error {
	if e.Kind != want {
		return e.mismatch(fmt.Errorf("envelope kind is %q, want %q", e.Kind, want))
	}
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return e.mismatch(err)
	}
	return nil
}

func (e Envelope) mismatch(err error) error {
	return &DecodeError{Stage: StagePayload, Kind: e.Kind, Err: err}
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(kind Kind, sessionID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

func NewAuth(p AuthPayload) Envelope {
	return mustEnvelope(KindAuth, "", p)
}

func NewInputEvent(sessionID string, ev InputEvent) Envelope {
	return mustEnvelope(KindInputEvent, sessionID, ev)
}

func NewSessionControl(sessionID string, c SessionControl) Envelope {
	return mustEnvelope(KindSessionControl, sessionID, c)
}

func NewStatus(sessionID string, s StatusPayload) Envelope {
	return mustEnvelope(KindStatus, sessionID, s)
}

func Rejected(code, message string) Envelope {
	return NewSessionControl("", SessionControl{Action: ActionRejected, Code: code, Message: message})
}

func SessionEnded(sessionID, reason string) Envelope {
	return NewSessionControl(sessionID, SessionControl{Action: ActionSessionEnded, Reason: reason})
}

func NewStatusError(sessionID, code, message string) Envelope {
	return NewStatus(sessionID, StatusPayload{StatusType: StatusError, ErrorCode: code, ErrorMessage: message})
}

// The payload types above contain only plain data and always marshal.
func mustEnvelope(kind Kind, sessionID string, payload any) Envelope {
	env, err := NewEnvelope(kind, sessionID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

package protocol

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindAuth           Kind = "auth"
	KindInputEvent     Kind = "input_event"
	KindSessionControl Kind = "session_control"
	KindStatus         Kind = "status"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAuth, KindInputEvent, KindSessionControl, KindStatus:
		return true
	}
	return false
}

// Envelope is the outer structure of every frame. SessionID is empty until a
// session exists.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type AuthAction string

const (
	AuthRequest  AuthAction = "request"
	AuthResponse AuthAction = "response"
	AuthRefresh  AuthAction = "refresh"
	AuthLogout   AuthAction = "logout"
)

type ClientType string

const (
	ClientTarget     ClientType = "target"
	ClientController ClientType = "controller"
)

// AuthPayload carries credentials or a bearer token on request, and the
// issued token on response.
type AuthPayload struct {
	Action       AuthAction `json:"action"`
	Username     string     `json:"username,omitempty"`
	Password     string     `json:"password,omitempty"`
	ClientType   ClientType `json:"client_type,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	Token        string     `json:"token,omitempty"`
	Success      bool       `json:"success,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
}

type EventType string

const (
	EventMouseMove   EventType = "mouse_move"
	EventMouseClick  EventType = "mouse_click"
	EventMouseScroll EventType = "mouse_scroll"
	EventKey         EventType = "key_event"
)

type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
	ButtonX1     MouseButton = "x1"
	ButtonX2     MouseButton = "x2"
)

type KeyModifiers struct {
	Shift   bool `json:"shift"`
	Control bool `json:"control"`
	Alt     bool `json:"alt"`
	Super   bool `json:"super"`
}

// InputEvent is a pointer or keyboard event. The relay never interprets it.
// Pointer coordinates are optional for clicks and scrolls.
type InputEvent struct {
	EventType EventType     `json:"event_type"`
	X         *int          `json:"x,omitempty"`
	Y         *int          `json:"y,omitempty"`
	Absolute  bool          `json:"absolute,omitempty"`
	Button    MouseButton   `json:"button,omitempty"`
	Pressed   bool          `json:"pressed,omitempty"`
	DeltaX    int           `json:"delta_x,omitempty"`
	DeltaY    int           `json:"delta_y,omitempty"`
	Key       string        `json:"key,omitempty"`
	Modifiers *KeyModifiers `json:"modifiers,omitempty"`
}

func MouseMove(x, y int, absolute bool) InputEvent {
	return InputEvent{EventType: EventMouseMove, X: &x, Y: &y, Absolute: absolute}
}

func MouseClick(button MouseButton, pressed bool) InputEvent {
	return InputEvent{EventType: EventMouseClick, Button: button, Pressed: pressed}
}

func MouseScroll(dx, dy int) InputEvent {
	return InputEvent{EventType: EventMouseScroll, DeltaX: dx, DeltaY: dy}
}

func KeyEvent(key string, pressed bool, mods KeyModifiers) InputEvent {
	return InputEvent{EventType: EventKey, Key: key, Pressed: pressed, Modifiers: &mods}
}

type ControlAction string

const (
	ActionCreateSession  ControlAction = "create_session"
	ActionJoinSession    ControlAction = "join_session"
	ActionRegistered     ControlAction = "registered"
	ActionSessionStarted ControlAction = "session_started"
	ActionListClients    ControlAction = "list_clients"
	ActionClientList     ControlAction = "client_list"
	ActionEndSession     ControlAction = "end_session"
	ActionSessionEnded   ControlAction = "session_ended"
	ActionRejected       ControlAction = "rejected"
)

type SessionControl struct {
	Action         ControlAction `json:"action"`
	ClientID       string        `json:"client_id,omitempty"`
	ClientName     string        `json:"client_name,omitempty"`
	TargetClientID string        `json:"target_client_id,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	TargetID       string        `json:"target_id,omitempty"`
	ControllerID   string        `json:"controller_id,omitempty"`
	Clients        []ClientInfo  `json:"clients,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Code           string        `json:"code,omitempty"`
	Message        string        `json:"message,omitempty"`
}

// IsRegistration reports whether the control message is a CreateTarget or
// JoinTarget request.
func (c SessionControl) IsRegistration() bool {
	return c.Action == ActionCreateSession || c.Action == ActionJoinSession
}

type ClientInfo struct {
	ClientID           string    `json:"client_id"`
	ClientName         string    `json:"client_name,omitempty"`
	ConnectedAt        time.Time `json:"connected_at"`
	CommanderConnected bool      `json:"commander_connected"`
}

type StatusType string

const (
	StatusHeartbeat        StatusType = "heartbeat"
	StatusConnectionStatus StatusType = "connection_status"
	StatusError            StatusType = "error"
)

type StatusPayload struct {
	StatusType   StatusType `json:"status_type"`
	Connected    bool       `json:"connected,omitempty"`
	LatencyMS    *uint64    `json:"latency_ms,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Reasons carried by session_ended.
const (
	ReasonPeerDisconnected = "peer disconnected"
	ReasonIdleTimeout      = "idle timeout"
	ReasonEndedByPeer      = "ended by peer"
	ReasonServerShutdown   = "server shutdown"
)

// Codes carried by rejected and status error payloads.
const (
	CodeInvalidHandshake    = "INVALID_HANDSHAKE"
	CodeAuthFailed          = "AUTH_FAILED"
	CodeAlreadyRegistered   = "ALREADY_REGISTERED"
	CodeTargetNotFound      = "TARGET_NOT_FOUND"
	CodeTargetAlreadyPaired = "TARGET_ALREADY_PAIRED"
	CodeControllerBusy      = "CONTROLLER_BUSY"
	CodeSessionLimit        = "SESSION_LIMIT"
	CodeNoSession           = "NO_SESSION"
	CodeMalformedMessage    = "MALFORMED_MESSAGE"
)

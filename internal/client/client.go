// Package client speaks the relay protocol from the target or controller
// side.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/hidrelay/internal/protocol"
)

var ErrUnauthorized = errors.New("client: unauthorized")

// RejectedError is returned when the relay answers with a rejected message.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s: %s", e.Code, e.Message)
}

// Client is one relay connection. Sends may come from any goroutine;
// Receive must be called from one goroutine at a time.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the relay at relayURL. A non-empty token is sent as a bearer
// token on the upgrade request.
func Dial(ctx context.Context, relayURL, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, relayURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", relayURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", relayURL, err)
	}
	return &Client{conn: conn}, nil
}

// DialRetry dials with exponential backoff for up to maxElapsed. An
// unauthorized response is not retried.
func DialRetry(ctx context.Context, relayURL, token string, maxElapsed time.Duration) (*Client, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	var c *Client
	op := func() error {
		nc, err := Dial(ctx, relayURL, token)
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		c = nc
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Send(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.SendRaw(frame)
}

// SendRaw writes frame as is.
func (c *Client) SendRaw(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) SendInput(sessionID string, ev protocol.InputEvent) error {
	return c.Send(protocol.NewInputEvent(sessionID, ev))
}

// Receive reads the next envelope. The context deadline, if any, bounds the
// read; after a timeout the connection is no longer usable.
func (c *Client) Receive(ctx context.Context) (protocol.Envelope, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Envelope{}, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope(data)
}

// Authenticate exchanges credentials for a token.
func (c *Client) Authenticate(ctx context.Context, username, password string, ct protocol.ClientType) (protocol.AuthPayload, error) {
	return c.authenticate(ctx, protocol.AuthPayload{
		Action:     protocol.AuthRequest,
		Username:   username,
		Password:   password,
		ClientType: ct,
	})
}

// AuthenticateToken presents an existing token in the handshake.
func (c *Client) AuthenticateToken(ctx context.Context, token string) (protocol.AuthPayload, error) {
	return c.authenticate(ctx, protocol.AuthPayload{Action: protocol.AuthRequest, Token: token})
}

func (c *Client) authenticate(ctx context.Context, req protocol.AuthPayload) (protocol.AuthPayload, error) {
	if err := c.Send(protocol.NewAuth(req)); err != nil {
		return protocol.AuthPayload{}, err
	}
	env, err := c.Receive(ctx)
	if err != nil {
		return protocol.AuthPayload{}, err
	}
	resp, err := env.Auth()
	if err != nil {
		return protocol.AuthPayload{}, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%w: %s", ErrUnauthorized, resp.ErrorMessage)
	}
	return resp, nil
}

// CreateTarget registers this connection as a target and returns the id the
// relay assigned. An empty id asks the relay to generate one.
func (c *Client) CreateTarget(ctx context.Context, id, name string) (string, error) {
	err := c.Send(protocol.NewSessionControl("", protocol.SessionControl{
		Action:     protocol.ActionCreateSession,
		ClientID:   id,
		ClientName: name,
	}))
	if err != nil {
		return "", err
	}
	ctl, err := c.awaitControl(ctx, protocol.ActionRegistered)
	if err != nil {
		return "", err
	}
	return ctl.ClientID, nil
}

// JoinTarget asks to pair with targetID and returns the session_started
// payload.
func (c *Client) JoinTarget(ctx context.Context, targetID string) (protocol.SessionControl, error) {
	err := c.Send(protocol.NewSessionControl("", protocol.SessionControl{
		Action:         protocol.ActionJoinSession,
		TargetClientID: targetID,
	}))
	if err != nil {
		return protocol.SessionControl{}, err
	}
	return c.awaitControl(ctx, protocol.ActionSessionStarted)
}

func (c *Client) ListTargets(ctx context.Context) ([]protocol.ClientInfo, error) {
	err := c.Send(protocol.NewSessionControl("", protocol.SessionControl{Action: protocol.ActionListClients}))
	if err != nil {
		return nil, err
	}
	ctl, err := c.awaitControl(ctx, protocol.ActionClientList)
	if err != nil {
		return nil, err
	}
	return ctl.Clients, nil
}

func (c *Client) EndSession(sessionID string) error {
	return c.Send(protocol.NewSessionControl(sessionID, protocol.SessionControl{Action: protocol.ActionEndSession}))
}

// awaitControl reads until a session_control message with the wanted action
// or a rejection arrives. Other messages are skipped.
func (c *Client) awaitControl(ctx context.Context, want protocol.ControlAction) (protocol.SessionControl, error) {
	for {
		env, err := c.Receive(ctx)
		if err != nil {
			return protocol.SessionControl{}, err
		}
		if env.Kind != protocol.KindSessionControl {
			continue
		}
		ctl, err := env.SessionControl()
		if err != nil {
			return protocol.SessionControl{}, err
		}
		switch ctl.Action {
		case want:
			return ctl, nil
		case protocol.ActionRejected:
			return protocol.SessionControl{}, &RejectedError{Code: ctl.Code, Message: ctl.Message}
		}
	}
}

// FetchTargets reads the relay's target list over HTTP. relayURL may be the
// ws:// or wss:// endpoint; only its scheme and host are used.
func FetchTargets(ctx context.Context, relayURL, token string) ([]protocol.ClientInfo, error) {
	endpoint, err := targetsURL(relayURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Close = true
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch targets: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("fetch targets: unexpected status %d", resp.StatusCode)
	}
	var out []protocol.ClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	return out, nil
}

func targetsURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/targets"
	u.RawQuery = ""
	return u.String(), nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/HsiangNianian/hidrelay/internal/auth"
	"github.com/HsiangNianian/hidrelay/internal/metrics"
	"github.com/HsiangNianian/hidrelay/internal/protocol"
	"github.com/HsiangNianian/hidrelay/internal/registry"
)

func (c *conn) serve(preauth *auth.Claims) {
	defer c.teardown()

	c.ws.SetReadLimit(c.hub.opts.MaxMessageBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.HandshakeTimeout)); err != nil {
		return
	}
	if !c.handshake(preauth) {
		return
	}

	c.ws.SetPongHandler(func(string) error {
		return c.extendDeadline()
	})
	if err := c.extendDeadline(); err != nil {
		return
	}
	c.readLoop()
}

func (c *conn) extendDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(2 * c.hub.opts.HeartbeatInterval))
}

// handshake runs the optional auth step and the registration request. Any
// failure here closes the connection.
func (c *conn) handshake(preauth *auth.Claims) bool {
	env, ok := c.nextHandshakeFrame()
	if !ok {
		return false
	}

	if c.hub.auth != nil && preauth == nil {
		if !c.authenticate(env) {
			return false
		}
		if env, ok = c.nextHandshakeFrame(); !ok {
			return false
		}
	}

	ctl, err := env.SessionControl()
	if err == nil && !ctl.IsRegistration() {
		err = errors.New("first message must be create_session or join_session")
	}
	if err != nil {
		c.abort(protocol.CodeInvalidHandshake, err)
		return false
	}

	if ctl.Action == protocol.ActionCreateSession {
		return c.registerTarget(ctl)
	}
	c.registerController(ctl)
	return true
}

func (c *conn) nextHandshakeFrame() (protocol.Envelope, bool) {
	env, err := c.readEnvelope()
	if err == nil {
		return env, true
	}
	var derr *protocol.DecodeError
	if errors.As(err, &derr) {
		c.abort(protocol.CodeInvalidHandshake, err)
	} else {
		c.log.WithError(err).Debug("closed during handshake")
		metrics.HandshakeFailed("TRANSPORT")
		c.close()
	}
	return protocol.Envelope{}, false
}

// authenticate handles the auth request that opens the handshake. A token
// in the request is validated; otherwise the credentials are exchanged for
// a new token.
func (c *conn) authenticate(env protocol.Envelope) bool {
	req, err := env.Auth()
	if err == nil && req.Action != protocol.AuthRequest {
		err = errors.New("expected auth request")
	}
	if err != nil {
		c.authFailed(err)
		return false
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.HandshakeTimeout)
	defer cancel()

	resp := protocol.AuthPayload{Action: protocol.AuthResponse, Success: true}
	if req.Token != "" {
		if _, err := c.hub.auth.Validate(ctx, req.Token); err != nil {
			c.authFailed(err)
			return false
		}
		c.token = req.Token
	} else {
		tok, err := c.hub.auth.Login(ctx, auth.Credentials{
			Username:   req.Username,
			Password:   req.Password,
			ClientType: string(req.ClientType),
			ClientID:   req.ClientID,
		})
		if err != nil {
			c.authFailed(err)
			return false
		}
		c.token = tok.Value
		resp.Token = tok.Value
		resp.ExpiresAt = &tok.ExpiresAt
	}
	c.log.WithField("username", req.Username).Info("authenticated")
	c.send(protocol.NewAuth(resp))
	return true
}

func (c *conn) authFailed(err error) {
	c.log.WithError(err).Warn("authentication failed")
	metrics.HandshakeFailed(protocol.CodeAuthFailed)
	c.send(protocol.NewAuth(protocol.AuthPayload{
		Action:       protocol.AuthResponse,
		ErrorMessage: authMessage(err),
	}))
	c.close()
}

func (c *conn) registerTarget(ctl protocol.SessionControl) bool {
	targetID := ctl.ClientID
	if targetID == "" {
		targetID = uuid.NewString()
	}

	c.gate.Lock()
	rec, err := c.hub.registry.RegisterTarget(targetID, ctl.ClientName, c)
	if err == nil {
		c.send(protocol.NewSessionControl("", protocol.SessionControl{
			Action:   protocol.ActionRegistered,
			ClientID: targetID,
		}))
	}
	c.gate.Unlock()
	if err != nil {
		c.abort(protocol.CodeAlreadyRegistered, err)
		return false
	}
	c.rec = rec
	c.log = c.log.WithFields(logrus.Fields{"role": "target", "target_id": targetID})
	metrics.ConnectionOpened(registry.RoleTarget.String())
	c.log.Info("target registered")
	return true
}

func (c *conn) registerController(ctl protocol.SessionControl) {
	c.rec = c.hub.registry.RegisterController(c)
	c.log = c.log.WithField("role", "controller")
	metrics.ConnectionOpened(registry.RoleController.String())
	c.log.Info("controller registered")
	c.join(ctl.TargetClientID)
}

// abort rejects the handshake and closes the connection.
func (c *conn) abort(code string, err error) {
	c.log.WithFields(logrus.Fields{"code": code, "error": err}).Warn("handshake rejected")
	metrics.HandshakeFailed(code)
	c.send(protocol.Rejected(code, err.Error()))
	c.close()
}

// teardown is the disconnect path: unregister, then end the session and
// tell the other side.
func (c *conn) teardown() {
	if c.rec != nil {
		c.hub.registry.Remove(c.rec)
		metrics.ConnectionClosed(c.rec.Role.String())
		if s, ok := c.hub.sessions.EndForConn(c.id, protocol.ReasonPeerDisconnected); ok {
			c.log.WithField("session_id", s.ID).Info("session ended by disconnect")
			c.hub.notifyEnded(s, s.Peer(c.id))
		}
		c.hub.sessions.Forget(c.id)
		c.log.Info("disconnected")
	}
	c.close()
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenRevoked),
		errors.Is(err, auth.ErrLockedOut):
		return err.Error()
	case errors.Is(err, auth.ErrInvalidToken):
		return auth.ErrInvalidToken.Error()
	}
	var derr *protocol.DecodeError
	if errors.As(err, &derr) {
		return "authentication required"
	}
	return "authentication failed"
}

package ws

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/HsiangNianian/hidrelay/internal/metrics"
	"github.com/HsiangNianian/hidrelay/internal/protocol"
	"github.com/HsiangNianian/hidrelay/internal/registry"
	"github.com/HsiangNianian/hidrelay/internal/session"
)

const (
	toTarget     = "to_target"
	toController = "to_controller"
)

func (c *conn) readLoop() {
	for {
		env, err := c.readEnvelope()
		if err != nil {
			var derr *protocol.DecodeError
			if !errors.As(err, &derr) {
				c.log.WithError(err).Debug("read failed")
				return
			}
			c.dropMalformed(err)
			continue
		}
		_ = c.extendDeadline()
		c.hub.logEvent(c.log, "recv", env)

		if env.Kind == protocol.KindAuth {
			if !c.handleAuth(env) {
				return
			}
			continue
		}
		if c.rec.Role == registry.RoleTarget {
			c.handleTarget(env)
		} else {
			c.handleController(env)
		}
	}
}

func (c *conn) dropMalformed(err error) {
	metrics.Dropped("malformed")
	c.log.WithError(err).Warn("malformed message dropped")
}

func (c *conn) handleTarget(env protocol.Envelope) {
	if env.Kind == protocol.KindSessionControl {
		ctl, err := env.SessionControl()
		if err != nil {
			c.dropMalformed(err)
			return
		}
		switch ctl.Action {
		case protocol.ActionEndSession:
			c.endSession()
			return
		case protocol.ActionListClients:
			c.listClients()
			return
		case protocol.ActionCreateSession, protocol.ActionJoinSession,
			protocol.ActionRegistered, protocol.ActionSessionStarted,
			protocol.ActionSessionEnded, protocol.ActionRejected, protocol.ActionClientList:
			metrics.Dropped("unsolicited_control")
			c.log.WithField("action", ctl.Action).Warn("unsolicited control message from target dropped")
			return
		}
	} else if err := env.Validate(); err != nil {
		c.dropMalformed(err)
		return
	}

	s, ok := c.hub.sessions.FindByConn(c.id)
	if !ok {
		metrics.Dropped("unpaired")
		c.log.WithField("kind", env.Kind).Debug("unpaired target message discarded")
		return
	}
	c.forward(s, s.ControllerID, env, toController)
}

func (c *conn) handleController(env protocol.Envelope) {
	if env.Kind == protocol.KindSessionControl {
		ctl, err := env.SessionControl()
		if err != nil {
			c.dropMalformed(err)
			return
		}
		switch ctl.Action {
		case protocol.ActionJoinSession:
			c.join(ctl.TargetClientID)
			return
		case protocol.ActionListClients:
			c.listClients()
			return
		case protocol.ActionEndSession:
			c.endSession()
			return
		case protocol.ActionCreateSession,
			protocol.ActionRegistered, protocol.ActionSessionStarted,
			protocol.ActionSessionEnded, protocol.ActionRejected, protocol.ActionClientList:
			metrics.Dropped("unsolicited_control")
			c.log.WithField("action", ctl.Action).Warn("unsolicited control message from controller dropped")
			return
		}
	} else if err := env.Validate(); err != nil {
		c.dropMalformed(err)
		return
	}

	s, ok := c.hub.sessions.FindByController(c.id)
	if !ok {
		metrics.Dropped("no_session")
		c.noSession(env)
		return
	}
	c.forward(s, s.TargetConnID, env, toTarget)
}

// noSession answers controller traffic that has no session to go to. A
// controller that lost its session is reminded how it ended.
func (c *conn) noSession(env protocol.Envelope) {
	if last, ok := c.hub.sessions.LastEnded(c.id); ok {
		c.log.WithField("session_id", last.ID).Debug("message for ended session dropped")
		c.send(protocol.SessionEnded(last.ID, last.EndReason))
		return
	}
	if env.Kind == protocol.KindInputEvent {
		c.send(protocol.NewStatusError("", protocol.CodeNoSession, "not paired with a target"))
	}
}

// forward stamps env with the session and queues it on the other peer. A
// peer that is no longer registered ends the session.
func (c *conn) forward(s session.Session, dest string, env protocol.Envelope, direction string) {
	rec, ok := c.hub.registry.LookupConn(dest)
	if !ok {
		if ended, ok := c.hub.sessions.EndSession(s.ID, protocol.ReasonPeerDisconnected); ok {
			c.log.WithField("session_id", s.ID).Info("peer gone, session ended")
			c.hub.notifyEnded(ended, c.id)
		}
		return
	}

	env.SessionID = s.ID
	frame, err := protocol.Encode(env)
	if err != nil {
		c.log.WithError(err).Error("encode forwarded frame")
		return
	}
	if err := rec.Peer.Enqueue(c.ctx, frame); err != nil {
		metrics.Dropped("peer_gone")
		c.log.WithError(err).Debug("forward dropped")
		return
	}
	c.hub.sessions.Touch(s.ID)
	metrics.Forwarded(direction)
}

func (c *conn) join(targetID string) {
	// The gate keeps a session_ended for this pairing from being queued
	// ahead of session_started.
	c.gate.Lock()
	s, err := c.hub.sessions.CreatePairing(c.id, targetID)
	if err != nil {
		c.gate.Unlock()
		code := pairingCode(err)
		c.log.WithFields(logrus.Fields{"target_id": targetID, "code": code}).Info("join rejected")
		c.send(protocol.Rejected(code, err.Error()))
		return
	}
	started := protocol.NewSessionControl(s.ID, protocol.SessionControl{
		Action:       protocol.ActionSessionStarted,
		SessionID:    s.ID,
		TargetID:     s.TargetID,
		ControllerID: s.ControllerID,
	})
	c.send(started)
	c.gate.Unlock()

	metrics.SessionStarted()
	c.log.WithFields(logrus.Fields{"session_id": s.ID, "target_id": s.TargetID}).Info("session started")

	frame, err := protocol.Encode(started)
	if err != nil {
		c.log.WithError(err).Error("encode session_started")
		return
	}
	c.hub.deliver(s.TargetConnID, frame)
}

// endSession ends this connection's session on request. Only the other peer
// is told; both stay registered.
func (c *conn) endSession() {
	s, ok := c.hub.sessions.FindByConn(c.id)
	if !ok {
		c.send(protocol.NewStatusError("", protocol.CodeNoSession, "no active session"))
		return
	}
	ended, ok := c.hub.sessions.EndSession(s.ID, protocol.ReasonEndedByPeer)
	if !ok {
		return
	}
	if ended.ControllerID == c.id {
		c.hub.sessions.Forget(c.id)
	}
	c.log.WithField("session_id", ended.ID).Info("session ended by request")
	c.hub.notifyEnded(ended, ended.Peer(c.id))
}

func (c *conn) listClients() {
	c.send(protocol.NewSessionControl("", protocol.SessionControl{
		Action:  protocol.ActionClientList,
		Clients: c.hub.Targets(),
	}))
}

// handleAuth serves refresh and logout. It reports false when the
// connection should close.
func (c *conn) handleAuth(env protocol.Envelope) bool {
	p, err := env.Auth()
	if err != nil {
		c.dropMalformed(err)
		return true
	}

	switch p.Action {
	case protocol.AuthRefresh:
		resp := protocol.AuthPayload{Action: protocol.AuthResponse}
		if c.hub.auth == nil {
			resp.ErrorMessage = "authentication disabled"
			c.send(protocol.NewAuth(resp))
			return true
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.HandshakeTimeout)
		defer cancel()
		tok, err := c.hub.auth.Refresh(ctx, p.RefreshToken)
		if err != nil {
			c.log.WithError(err).Warn("token refresh failed")
			resp.ErrorMessage = authMessage(err)
			c.send(protocol.NewAuth(resp))
			return true
		}
		c.token = tok.Value
		resp.Success = true
		resp.Token = tok.Value
		resp.ExpiresAt = &tok.ExpiresAt
		c.send(protocol.NewAuth(resp))
		return true

	case protocol.AuthLogout:
		if c.hub.auth != nil && c.token != "" {
			ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.HandshakeTimeout)
			defer cancel()
			if err := c.hub.auth.Revoke(ctx, c.token); err != nil {
				c.log.WithError(err).Warn("token revoke failed")
			}
		}
		c.log.Info("logged out")
		c.close()
		return false

	default:
		c.log.WithField("action", p.Action).Warn("unexpected auth message dropped")
		return true
	}
}

func pairingCode(err error) string {
	switch {
	case errors.Is(err, session.ErrTargetNotFound):
		return protocol.CodeTargetNotFound
	case errors.Is(err, session.ErrTargetAlreadyPaired):
		return protocol.CodeTargetAlreadyPaired
	case errors.Is(err, session.ErrControllerBusy):
		return protocol.CodeControllerBusy
	case errors.Is(err, session.ErrSessionLimit):
		return protocol.CodeSessionLimit
	}
	return protocol.CodeInvalidHandshake
}

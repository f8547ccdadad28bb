package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/hidrelay/internal/protocol"
)

// stubRelay answers create_session with registered and join_session with
// rejected.
func stubRelay(t *testing.T, failFirst int32) (string, *atomic.Int32) {
	t.Helper()
	var attempts atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= failFirst {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") == "Bearer bad" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.DecodeEnvelope(data)
			if err != nil {
				return
			}
			ctl, err := env.SessionControl()
			if err != nil {
				return
			}
			var reply protocol.Envelope
			switch ctl.Action {
			case protocol.ActionCreateSession:
				reply = protocol.NewSessionControl("", protocol.SessionControl{Action: protocol.ActionRegistered, ClientID: ctl.ClientID})
			default:
				reply = protocol.Rejected(protocol.CodeTargetNotFound, "no such target")
			}
			frame, _ := protocol.Encode(reply)
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &attempts
}

func TestDialRetry(t *testing.T) {
	url, attempts := stubRelay(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := DialRetry(ctx, url, "", 10*time.Second)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, int32(3), attempts.Load())

	id, err := c.CreateTarget(ctx, "T1", "desk")
	require.NoError(t, err)
	assert.Equal(t, "T1", id)
}

func TestDialRetryUnauthorizedIsPermanent(t *testing.T) {
	url, attempts := stubRelay(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := DialRetry(ctx, url, "bad", 5*time.Second)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestJoinTargetRejected(t *testing.T) {
	url, _ := stubRelay(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, "")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.JoinTarget(ctx, "ghost")
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, protocol.CodeTargetNotFound, rej.Code)
}

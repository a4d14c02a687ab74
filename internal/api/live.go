package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CZERTAINLY/mcpanel/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// live streams hub events to one WebSocket client. The first frame is the
// bootstrap snapshot, followed by every later event as it is published.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "upgrading to websocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	obs := s.hub.Subscribe()
	defer s.hub.Unsubscribe(obs)
	slog.DebugContext(r.Context(), "live client connected", "observer", obs.ID, "remote", r.RemoteAddr)

	// a hijacked connection is not watched by net/http, the reader notices
	// the disconnect
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan model.Event)
	errc := make(chan error, 1)
	go func() {
		for {
			ev, err := obs.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.DebugContext(ctx, "writing live event", "observer", obs.ID, "error", err)
				return
			}
		case err := <-errc:
			s.closeLive(ctx, conn, err)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeLive(ctx context.Context, conn *websocket.Conn, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	slog.DebugContext(ctx, "live client closed", "reason", err)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error())
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/flowrun/runtime"
	"github.com/petal-labs/flowrun/sse"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return s.corsOrigin == "*" || origin == "" || origin == s.corsOrigin
		},
	}
}

// handleRunSocket streams a session's events as JSON text frames: stored
// events after the cursor first, then live ones. The server closes the
// socket after the event that ends the session.
func (s *Server) handleRunSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	after, err := sse.Cursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "after must be a non-negative integer")
		return
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Control frames are only processed while reading; the read loop also
	// notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := s.bus.Subscribe(runID)
	defer sub.Close()

	send := func(e runtime.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(sse.NewMessage(e))
	}
	last, done, err := sse.Replay(ctx, s.eventStore, runID, after, send)
	if err != nil {
		return
	}
	if !done {
		if !s.streamSocket(ctx, conn, sub.Events(), last, send) {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
		time.Now().Add(wsWriteWait))
}

// streamSocket forwards live events until the session ends (true) or the
// connection or context goes away (false).
func (s *Server) streamSocket(ctx context.Context, conn *websocket.Conn, events <-chan runtime.Event, last uint64, send func(runtime.Event) error) bool {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-events:
			if !ok {
				return false
			}
			if e.Seq <= last {
				continue
			}
			if err := send(e); err != nil {
				return false
			}
			last = e.Seq
			if sse.Closes(e) {
				return true
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return false
			}
		}
	}
}

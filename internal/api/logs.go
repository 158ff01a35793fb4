package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	applog "github.com/flowstub/flowstub/internal/log"
)

const logWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// logQueryFields maps /logs query parameters to the log fields they select.
var logQueryFields = map[string]string{
	"rule": "rule",
	"host": "flow.host",
	"flow": "flow.id",
}

// logFilter builds the subscription from ?level=&rule=&host=&flow=&tail=.
func logFilter(r *http.Request) (applog.LineFilter, int) {
	q := r.URL.Query()
	filter := applog.LineFilter{MinLevel: slog.LevelDebug}
	if lvl := q.Get("level"); lvl != "" {
		filter.MinLevel = applog.ParseLevel(lvl)
	}
	for param, field := range logQueryFields {
		if v := q.Get(param); v != "" {
			if filter.Fields == nil {
				filter.Fields = make(map[string]string)
			}
			filter.Fields[field] = v
		}
	}
	tail, _ := strconv.Atoi(q.Get("tail"))
	return filter, tail
}

// handleLogs streams log lines, optionally narrowed to one rule, host or
// flow. WebSocket clients get one text message per line; plain clients get
// a flushed text/plain stream.
func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.Broadcaster == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "log streaming disabled"})
		return
	}
	filter, tail := logFilter(r)
	if websocket.IsWebSocketUpgrade(r) {
		s.streamLogsWS(w, r, filter, tail)
		return
	}
	s.streamLogsHTTP(w, r, filter, tail)
}

func (s *APIServer) streamLogsWS(w http.ResponseWriter, r *http.Request, filter applog.LineFilter, tail int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sub := s.Broadcaster.Subscribe(filter, tail)
	defer s.Broadcaster.Unsubscribe(sub)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(logWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *APIServer) streamLogsHTTP(w http.ResponseWriter, r *http.Request, filter applog.LineFilter, tail int) {
	rc := http.NewResponseController(w)

	sub := s.Broadcaster.Subscribe(filter, tail)
	defer s.Broadcaster.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Debug("log stream flush unsupported", slog.Any("error", err))
		return
	}

	for {
		select {
		case line, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"relay/internal/logging"

	"github.com/gorilla/websocket"
)

const wsReadBufferSize = 1024
const wsWriteBufferSize = 1024
const wsWriteTimeout = 10 * time.Second

// LogsStreamHandler upgrades to a websocket and streams log entries as they
// are produced, replaying the buffered tail first.
type LogsStreamHandler struct {
	Logger    *logging.Logger
	AuthToken string
}

func (h *LogsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, h.AuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	minLevel := logging.Level("")
	if rawLevel := r.URL.Query().Get("level"); rawLevel != "" {
		if level, ok := logging.ParseLevel(rawLevel); ok {
			minLevel = level
		}
	}

	output, cancel := h.Logger.Subscribe()
	defer cancel()

	conn, err := upgradeWebSocket(w, r)
	if err != nil {
		logWSError(h.Logger, r, err)
		return
	}
	defer conn.Close()

	if buffer := h.Logger.Buffer(); buffer != nil {
		for _, entry := range buffer.List() {
			if !levelAtLeast(entry.Level, minLevel) {
				continue
			}
			if writeErr := writeWSEntry(conn, entry); writeErr != nil {
				return
			}
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range output {
			if !levelAtLeast(entry.Level, minLevel) {
				continue
			}
			if writeErr := writeWSEntry(conn, entry); writeErr != nil {
				return
			}
		}
	}()

	for {
		if _, _, readErr := conn.ReadMessage(); readErr != nil {
			break
		}
	}
	conn.Close()
	<-done
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

func writeWSEntry(conn *websocket.Conn, entry logging.Entry) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(entry)
}

func levelAtLeast(level, min logging.Level) bool {
	if min == "" {
		return true
	}
	return levelRank(level) >= levelRank(min)
}

func levelRank(level logging.Level) int {
	switch level {
	case logging.LevelError:
		return 3
	case logging.LevelWarning:
		return 2
	case logging.LevelInfo:
		return 1
	default:
		return 0
	}
}

func logWSError(logger *logging.Logger, r *http.Request, err error) {
	if logger == nil || r == nil {
		return
	}
	fields := map[string]string{
		"path":   r.URL.Path,
		"status": strconv.Itoa(http.StatusBadRequest),
		"error":  err.Error(),
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if userAgent := strings.TrimSpace(r.UserAgent()); userAgent != "" {
		fields["user_agent"] = userAgent
	}
	logger.Warn("websocket upgrade failed", fields)
}

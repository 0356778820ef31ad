// Package ws streams live relay statistics to monitoring clients over a
// websocket. The stream is one-way: the server pushes one JSON frame
// immediately after the upgrade and then one per interval until the client
// disconnects.
package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout    = 5 * time.Second
	defaultInterval = 2 * time.Second
)

// Stats is one monitor frame.
type Stats struct {
	Clients  int    `json:"clients"`
	Sessions int    `json:"sessions"`
	Packets  uint64 `json:"packets"`
	BytesIn  int64  `json:"bytes_in"`
	BytesOut int64  `json:"bytes_out"`
	UptimeS  int64  `json:"uptime_s"`
}

// Handler owns the monitor websocket transport.
type Handler struct {
	stats    func() Stats
	interval time.Duration
	upgrader websocket.Upgrader
}

// NewHandler creates a handler that snapshots stats every interval.
// A non-positive interval selects the default of 2s.
func NewHandler(stats func() Stats, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Handler{
		stats:    stats,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the monitor route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/api/ws/monitor", h.HandleMonitor)
}

// HandleMonitor upgrades one request and streams frames until disconnect.
func (h *Handler) HandleMonitor(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(1 << 10)

	// Monitors never send payload; the read loop only notices the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !h.push(conn) {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !h.push(conn) {
				return
			}
		}
	}
}

func (h *Handler) push(conn *websocket.Conn) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(h.stats()) == nil
}

// Package ws bridges the in-process bus to interactive WebSocket
// subscribers. Authentication happens upstream; this handler trusts the
// device list it is given.
package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trackhaus/fleetd/internal/bus"
	"github.com/trackhaus/fleetd/internal/metrics"
)

// Config configures the handler.
type Config struct {
	Logger *slog.Logger
	Bus    *bus.Bus

	// WriteTimeout bounds one frame write to a subscriber.
	WriteTimeout time.Duration
}

// Validate applies defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("ws: logger is required")
	}
	if c.Bus == nil {
		return errors.New("ws: bus is required")
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return nil
}

// Handler upgrades /ws requests and streams bus messages for the requested
// devices. The devices query parameter is a comma-separated id list.
type Handler struct {
	log          *slog.Logger
	bus          *bus.Bus
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// New builds a handler.
func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		log:          cfg.Logger,
		bus:          cfg.Bus,
		writeTimeout: cfg.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin enforcement belongs to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := deviceTopics(r.URL.Query().Get("devices"))
	if len(topics) == 0 {
		http.Error(w, "devices parameter required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := h.bus.Subscribe(topics...)
	metrics.BusSubscribers.Inc()
	defer metrics.BusSubscribers.Dec()
	defer sub.Close()
	defer conn.Close()

	// Reader: we expect no client frames, only close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for msg := range sub.C() {
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
	// Channel closed: the bus dropped us for falling behind, or shut down.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
		time.Now().Add(time.Second))
}

func deviceTopics(raw string) []string {
	var topics []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		topics = append(topics, bus.DeviceTopic(id))
	}
	return topics
}

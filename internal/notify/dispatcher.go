package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/trackhaus/fleetd/internal/bus"
	"github.com/trackhaus/fleetd/internal/metrics"
	"github.com/trackhaus/fleetd/internal/model"
)

// HistoryStore is the slice of persistence the dispatcher needs.
type HistoryStore interface {
	User(ctx context.Context, id int64) (*model.User, error)
	InsertAlertHistory(ctx context.Context, h *model.AlertHistory) (int64, error)
}

// Publisher is the real-time broadcast sink.
type Publisher interface {
	Publish(topic, kind string, payload any)
}

// AlertBroadcast is the payload of the single per-event bus message.
type AlertBroadcast struct {
	DeviceID  int64            `json:"device_id"`
	IMEI      string           `json:"imei"`
	Type      string           `json:"type"`
	Severity  model.Severity   `json:"severity"`
	Message   string           `json:"message"`
	Latitude  *float64         `json:"latitude,omitempty"`
	Longitude *float64         `json:"longitude,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// Config configures the dispatcher.
type Config struct {
	Logger   *slog.Logger
	Store    HistoryStore
	Bus      Publisher
	Handlers []Handler

	// Workers bounds concurrent external sends.
	Workers int
	// SendTimeout bounds one external send.
	SendTimeout time.Duration
}

// Validate applies defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("notify: logger is required")
	}
	if c.Store == nil {
		return errors.New("notify: store is required")
	}
	if c.Bus == nil {
		return errors.New("notify: bus is required")
	}
	// A non-nil empty slice disables external sends entirely.
	if c.Handlers == nil {
		c.Handlers = []Handler{
			NewWebhookHandler(0),
			NewSIPHandler(0),
		}
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 15 * time.Second
	}
	return nil
}

// Dispatcher fans one fired alert out to history rows, external channels and
// the real-time bus. External sends run on a bounded worker pool and their
// failures are warnings, never fatal.
type Dispatcher struct {
	log         *slog.Logger
	store       HistoryStore
	bus         Publisher
	handlers    []Handler
	pool        pond.Pool
	sendTimeout time.Duration
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		log:         cfg.Logger,
		store:       cfg.Store,
		bus:         cfg.Bus,
		handlers:    cfg.Handlers,
		pool:        pond.NewPool(cfg.Workers),
		sendTimeout: cfg.SendTimeout,
	}, nil
}

// Close drains in-flight external sends.
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
}

// DispatchAlert persists one history row per owning user, schedules external
// channel sends, and broadcasts the event on the device topic exactly once
// regardless of the number of recipients.
func (d *Dispatcher) DispatchAlert(ctx context.Context, device *model.Device, event *model.AlertEvent) {
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(event.Severity)), device.Name)

	for _, userID := range device.UserIDs {
		user, err := d.store.User(ctx, userID)
		if err != nil {
			d.log.Warn("alert dispatch: user lookup failed",
				"user", userID, "device", device.IMEI, "error", err)
			continue
		}
		if _, err := d.store.InsertAlertHistory(ctx, &model.AlertHistory{
			UserID:    userID,
			DeviceID:  device.ID,
			AlertType: event.Type,
			Severity:  event.Severity,
			Message:   event.Message,
			Latitude:  event.Latitude,
			Longitude: event.Longitude,
			Metadata:  event.Metadata,
		}); err != nil {
			d.log.Warn("alert dispatch: history insert failed",
				"user", userID, "device", device.IMEI, "error", err)
		}

		if len(d.handlers) > 0 {
			for _, channel := range d.channelsFor(user, device, event) {
				d.submitSend(ctx, channel, title, event.Message, device.IMEI)
			}
		}
	}

	d.bus.Publish(bus.DeviceTopic(device.ID), bus.KindAlert, AlertBroadcast{
		DeviceID:  device.ID,
		IMEI:      device.IMEI,
		Type:      event.Type,
		Severity:  event.Severity,
		Message:   event.Message,
		Latitude:  event.Latitude,
		Longitude: event.Longitude,
		Metadata:  event.Metadata,
	})
}

// channelsFor selects the user's channels for one event. An explicit
// selected_channels list in the metadata filters by name; otherwise the
// device's per-alert-type channel map applies when its config_key is present
// (an existing empty list delivers nothing); otherwise every channel.
func (d *Dispatcher) channelsFor(user *model.User, device *model.Device, event *model.AlertEvent) []model.NotificationChannel {
	if names := stringList(event.Metadata["selected_channels"]); len(names) > 0 {
		return filterChannels(user.Channels, names)
	}
	if configKey, ok := event.Metadata["config_key"].(string); ok {
		if names, exists := device.Config.AlertChannels[configKey]; exists {
			return filterChannels(user.Channels, names)
		}
	}
	return user.Channels
}

func (d *Dispatcher) submitSend(ctx context.Context, channel model.NotificationChannel, title, message, imei string) {
	handler := d.handlerFor(channel.URL)
	if handler == nil {
		d.log.Warn("alert dispatch: no handler for channel",
			"channel", channel.Name, "device", imei)
		return
	}
	// The send must outlive the position-processing context.
	sendCtx := context.WithoutCancel(ctx)
	d.pool.Submit(func() {
		sendCtx, cancel := context.WithTimeout(sendCtx, d.sendTimeout)
		defer cancel()
		if err := handler.Send(sendCtx, channel.URL, title, message); err != nil {
			metrics.NotificationSends.WithLabelValues(handler.Name(), "error").Inc()
			d.log.Warn("alert dispatch: channel send failed",
				"channel", channel.Name, "handler", handler.Name(), "device", imei, "error", err)
			return
		}
		metrics.NotificationSends.WithLabelValues(handler.Name(), "ok").Inc()
	})
}

func (d *Dispatcher) handlerFor(url string) Handler {
	for _, h := range d.handlers {
		if h.Matches(url) {
			return h
		}
	}
	return nil
}

func filterChannels(channels []model.NotificationChannel, names []string) []model.NotificationChannel {
	var out []model.NotificationChannel
	for _, c := range channels {
		for _, name := range names {
			if c.Name == name {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// stringList tolerates both in-process []string and JSON-decoded []any.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trackhaus/fleetd/internal/model"
)

type fakeHistoryStore struct {
	mu      sync.Mutex
	users   map[int64]*model.User
	history []model.AlertHistory
}

func (f *fakeHistoryStore) User(_ context.Context, id int64) (*model.User, error) {
	return f.users[id], nil
}

func (f *fakeHistoryStore) InsertAlertHistory(_ context.Context, h *model.AlertHistory) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, *h)
	return int64(len(f.history)), nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []struct {
		Topic, Kind string
		Payload     any
	}
}

func (f *fakePublisher) Publish(topic, kind string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, struct {
		Topic, Kind string
		Payload     any
	}{topic, kind, payload})
}

type recordingHandler struct {
	mu    sync.Mutex
	name  string
	match string
	sends []string // urls
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Matches(url string) bool {
	return len(url) >= len(h.match) && url[:len(h.match)] == h.match
}

func (h *recordingHandler) Send(_ context.Context, url, _, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends = append(h.sends, url)
	return nil
}

func (h *recordingHandler) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sends...)
}

func notifyFixture(t *testing.T, handler Handler, users map[int64]*model.User) (*Dispatcher, *fakeHistoryStore, *fakePublisher) {
	t.Helper()
	store := &fakeHistoryStore{users: users}
	pub := &fakePublisher{}
	d, err := NewDispatcher(Config{
		Logger:   slog.Default(),
		Store:    store,
		Bus:      pub,
		Handlers: []Handler{handler},
		Workers:  2,
	})
	require.NoError(t, err)
	return d, store, pub
}

func twoUserDevice() *model.Device {
	return &model.Device{
		ID: 7, IMEI: "356307042441013", Name: "Truck 7",
		UserIDs: []int64{1, 2},
	}
}

func TestNotify_Dispatcher_HistoryPerUserBroadcastOnce(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{name: "test", match: "https://"}
	d, store, pub := notifyFixture(t, handler, map[int64]*model.User{
		1: {ID: 1, Username: "ops", Channels: []model.NotificationChannel{{Name: "hook", URL: "https://a.example/hook"}}},
		2: {ID: 2, Username: "boss", Channels: []model.NotificationChannel{{Name: "hook", URL: "https://b.example/hook"}}},
	})

	lat, lon := 10.0, 20.0
	d.DispatchAlert(context.Background(), twoUserDevice(), &model.AlertEvent{
		Type: "speeding", Severity: model.SeverityWarning, Message: "Speeding: 95 km/h",
		Latitude: &lat, Longitude: &lon,
	})
	d.Close()

	require.Len(t, store.history, 2)
	require.Equal(t, int64(1), store.history[0].UserID)
	require.Equal(t, int64(2), store.history[1].UserID)
	require.Equal(t, "speeding", store.history[0].AlertType)

	// Exactly one broadcast regardless of recipient count.
	require.Len(t, pub.messages, 1)
	require.Equal(t, "device:7", pub.messages[0].Topic)
	require.Equal(t, "alert", pub.messages[0].Kind)
	payload := pub.messages[0].Payload.(AlertBroadcast)
	require.Equal(t, "356307042441013", payload.IMEI)

	require.ElementsMatch(t, []string{"https://a.example/hook", "https://b.example/hook"}, handler.sent())
}

func TestNotify_Dispatcher_SelectedChannelsFilterPerUser(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{name: "test", match: "https://"}
	d, _, _ := notifyFixture(t, handler, map[int64]*model.User{
		1: {ID: 1, Channels: []model.NotificationChannel{
			{Name: "sms", URL: "https://sms.example/1"},
			{Name: "mail", URL: "https://mail.example/1"},
		}},
		2: {ID: 2, Channels: []model.NotificationChannel{
			{Name: "mail", URL: "https://mail.example/2"},
		}},
	})

	d.DispatchAlert(context.Background(), twoUserDevice(), &model.AlertEvent{
		Type: "custom", Severity: model.SeverityWarning, Message: "rule fired",
		Metadata: map[string]any{"selected_channels": []string{"sms"}},
	})
	d.Close()

	// Channel names filter each user's own list; user 2 has no "sms".
	require.Equal(t, []string{"https://sms.example/1"}, handler.sent())
}

func TestNotify_Dispatcher_ConfigKeyChannelMap(t *testing.T) {
	t.Parallel()

	channels := []model.NotificationChannel{
		{Name: "sms", URL: "https://sms.example/1"},
		{Name: "mail", URL: "https://mail.example/1"},
	}
	device := &model.Device{
		ID: 7, IMEI: "356307042441013", UserIDs: []int64{1},
		Config: model.DeviceConfig{AlertChannels: map[string][]string{
			"speed_tolerance":      {"mail"},
			"idle_timeout_minutes": {},
		}},
	}

	cases := []struct {
		name      string
		configKey string
		want      []string
	}{
		{"mapped key filters", "speed_tolerance", []string{"https://mail.example/1"}},
		{"empty list delivers nothing", "idle_timeout_minutes", nil},
		{"absent key defaults to all", "towing_threshold_meters", []string{"https://sms.example/1", "https://mail.example/1"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			handler := &recordingHandler{name: "test", match: "https://"}
			d, _, _ := notifyFixture(t, handler, map[int64]*model.User{
				1: {ID: 1, Channels: channels},
			})
			d.DispatchAlert(context.Background(), device, &model.AlertEvent{
				Type: "x", Severity: model.SeverityInfo, Message: "m",
				Metadata: map[string]any{"config_key": tc.configKey},
			})
			d.Close()
			require.ElementsMatch(t, tc.want, handler.sent())
		})
	}
}

func TestNotify_Dispatcher_FirstMatchingHandlerWins(t *testing.T) {
	t.Parallel()

	first := &recordingHandler{name: "first", match: "https://"}
	second := &recordingHandler{name: "second", match: "https://"}
	store := &fakeHistoryStore{users: map[int64]*model.User{
		1: {ID: 1, Channels: []model.NotificationChannel{{Name: "hook", URL: "https://a.example"}}},
	}}
	d, err := NewDispatcher(Config{
		Logger:   slog.Default(),
		Store:    store,
		Bus:      &fakePublisher{},
		Handlers: []Handler{first, second},
	})
	require.NoError(t, err)

	device := &model.Device{ID: 1, IMEI: "1", UserIDs: []int64{1}}
	d.DispatchAlert(context.Background(), device, &model.AlertEvent{Type: "x", Message: "m"})
	d.Close()

	require.Len(t, first.sent(), 1)
	require.Empty(t, second.sent())
}

func TestNotify_Dispatcher_UnmatchedURLIsSkipped(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{name: "test", match: "https://"}
	d, _, pub := notifyFixture(t, handler, map[int64]*model.User{
		1: {ID: 1, Channels: []model.NotificationChannel{{Name: "odd", URL: "gopher://nope"}}},
	})
	device := &model.Device{ID: 1, IMEI: "1", UserIDs: []int64{1}}
	d.DispatchAlert(context.Background(), device, &model.AlertEvent{Type: "x", Message: "m"})
	d.Close()

	require.Empty(t, handler.sent())
	require.Len(t, pub.messages, 1) // broadcast still happens
}

func TestNotify_Webhook_PostsJSON(t *testing.T) {
	t.Parallel()

	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
	}))
	defer server.Close()

	h := NewWebhookHandler(0)
	require.True(t, h.Matches(server.URL))
	require.NoError(t, h.Send(context.Background(), server.URL, "Title", "Body"))
	require.Equal(t, "Title", got["title"])
	require.Equal(t, "Body", got["message"])
}

func TestNotify_Webhook_NonSuccessStatusIsError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	h := NewWebhookHandler(0)
	require.Error(t, h.Send(context.Background(), server.URL, "t", "m"))
}

func TestNotify_SIP_URLMatchingAndValidation(t *testing.T) {
	t.Parallel()

	h := NewSIPHandler(0)
	require.True(t, h.Matches("sip://1001@pbx.example.com"))
	require.True(t, h.Matches("sips://1001@pbx.example.com"))
	require.False(t, h.Matches("https://example.com"))

	// Missing user part is rejected before any network activity.
	err := h.Send(context.Background(), "sip://pbx.example.com", "t", "m")
	require.Error(t, err)
}

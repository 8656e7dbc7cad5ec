package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oaproject/oa-agent/internal/config"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "mk3")
	if info.Name != "mk3" {
		t.Errorf("Name = %q, want %q", info.Name, "mk3")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "mk3",
		TopicPrefix:     "oa/mk3",
		DiscoveryPrefix: "homeassistant",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMirror_TopicPaths(t *testing.T) {
	m := New(testConfig(), "test-id", nil, quietLogger())

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", m.availabilityTopic(), "oa/mk3/availability"},
		{"heartbeat", m.heartbeatTopic(), "oa/mk3/heartbeat"},
		{"status", m.statusTopic(), "oa/mk3/status"},
		{"command", m.commandTopic(), "oa/mk3/cmd"},
		{"state uptime", m.stateTopic("uptime"), "oa/mk3/uptime/state"},
		{"discovery", m.discoveryTopic("sensor", "printer_state"), "homeassistant/sensor/mk3/printer_state/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestMirror_SensorDefinitions(t *testing.T) {
	m := New(testConfig(), "instance-123", nil, quietLogger())

	want := map[string]string{
		"printer_state": "oa/mk3/status",
		"completion":    "oa/mk3/status",
		"uptime":        "oa/mk3/uptime/state",
		"version":       "oa/mk3/version/state",
	}
	defs := m.sensorDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(want))
	}
	for _, d := range defs {
		topic, ok := want[d.entitySuffix]
		if !ok {
			t.Errorf("unexpected sensor %q", d.entitySuffix)
			continue
		}
		if d.config.StateTopic != topic {
			t.Errorf("sensor %s: StateTopic = %q, want %q", d.entitySuffix, d.config.StateTopic, topic)
		}
		if d.config.AvailabilityTopic != "oa/mk3/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("sensor %s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.ObjectID != d.entitySuffix || !d.config.HasEntityName {
			t.Errorf("sensor %s: ObjectID = %q HasEntityName = %v", d.entitySuffix, d.config.ObjectID, d.config.HasEntityName)
		}
		if strings.Contains(d.config.Name, "mk3") {
			t.Errorf("sensor %s: Name %q repeats the device name", d.entitySuffix, d.config.Name)
		}
	}
}

func TestMirror_StateTemplateReadsStatusPayload(t *testing.T) {
	m := New(testConfig(), "id", nil, quietLogger())
	for _, d := range m.sensorDefinitions() {
		if d.entitySuffix != "printer_state" {
			continue
		}
		raw, err := json.Marshal(d.config)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(raw), `"value_template":"{{ value_json.state }}"`) {
			t.Errorf("discovery payload = %s", raw)
		}
		return
	}
	t.Fatal("printer_state sensor missing")
}

func TestMirror_PublishWithoutConnection(t *testing.T) {
	m := New(testConfig(), "id", nil, quietLogger())
	ctx := context.Background()

	if err := m.MirrorStatus(ctx, []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("MirrorStatus() = %v, want ErrNotConnected", err)
	}
	if err := m.MirrorHeartbeat(ctx, []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("MirrorHeartbeat() = %v, want ErrNotConnected", err)
	}
}

type recordingRouter struct {
	mu    sync.Mutex
	docs  []string
	err   error
	calls int
}

func (r *recordingRouter) Route(_ context.Context, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.docs = append(r.docs, string(raw))
	return r.err
}

func TestMirror_OnPublishRoutesCommandTopicOnly(t *testing.T) {
	router := &recordingRouter{}
	m := New(testConfig(), "id", router, quietLogger())
	ctx := context.Background()

	if !m.onPublish(ctx, "oa/mk3/cmd", []byte(`{"cmd":{"job":"pause"}}`)) {
		t.Error("command topic message not consumed")
	}
	if m.onPublish(ctx, "oa/mk3/status", []byte(`{}`)) {
		t.Error("status topic message consumed as a command")
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.docs) != 1 || router.docs[0] != `{"cmd":{"job":"pause"}}` {
		t.Errorf("routed = %v", router.docs)
	}
}

func TestMirror_HandleCommandErrors(t *testing.T) {
	routeErr := errors.New("printer offline")
	router := &recordingRouter{err: routeErr}
	m := New(testConfig(), "id", router, quietLogger())

	if err := m.handleCommand(context.Background(), []byte(`{}`)); !errors.Is(err, routeErr) {
		t.Errorf("handleCommand() = %v, want wrapped route error", err)
	}

	noRouter := New(testConfig(), "id", nil, quietLogger())
	if err := noRouter.handleCommand(context.Background(), []byte(`{}`)); err != nil {
		t.Errorf("handleCommand() without router = %v", err)
	}
}

func TestMirror_HandleCommandRateLimited(t *testing.T) {
	router := &recordingRouter{}
	m := New(testConfig(), "id", router, quietLogger())
	m.limiter = newMessageRateLimiter(2, time.Hour, quietLogger())

	ctx := context.Background()
	for i := range 2 {
		if err := m.handleCommand(ctx, []byte(`{}`)); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}
	if err := m.handleCommand(ctx, []byte(`{}`)); !errors.Is(err, errRateLimited) {
		t.Errorf("third command = %v, want errRateLimited", err)
	}
	if router.calls != 2 {
		t.Errorf("router calls = %d, want 2", router.calls)
	}
}

func TestMirror_QuitBeforeRun(t *testing.T) {
	m := New(testConfig(), "id", nil, quietLogger())
	m.Quit()
	m.Quit()

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after an earlier Quit")
	}
}

func TestMirror_RunRejectsBadBrokerURL(t *testing.T) {
	cfg := testConfig()
	cfg.Broker = "://nope"
	m := New(cfg, "id", nil, quietLogger())
	if err := m.Run(context.Background()); err == nil {
		t.Error("Run() with a malformed broker URL returned nil")
	}
}

func TestMirror_Name(t *testing.T) {
	if got := New(testConfig(), "id", nil, nil).Name(); got != "mqtt" {
		t.Errorf("Name() = %q", got)
	}
}

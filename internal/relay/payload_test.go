package relay

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/oaproject/oa-agent/internal/octoprint"
)

func TestBuildStatus_Scenario(t *testing.T) {
	data := map[string]any{"state": "Printing"}
	temps := map[string]any{"tool0": 200}

	raw, err := json.Marshal(BuildStatus(data, temps, "", nil))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(raw), `{"origin":"octoprint","state":"Printing","temps":{"tool0":200}}`; got != want {
		t.Errorf("status = %s, want %s", got, want)
	}
	if _, ok := data["temps"]; ok {
		t.Error("BuildStatus modified the device snapshot")
	}
}

func TestBuildStatus_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   any
	}{
		{"periodic", "", nil},
		{"event with payload", "PrintDone", map[string]any{"name": "benchy.gcode", "time": 3721.5}},
		{"event without payload", "PrintPaused", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			temps := map[string]any{
				"tool0": map[string]any{"actual": 199.5, "target": 200.0},
				"bed":   map[string]any{"actual": 59.9, "target": 60.0},
			}
			raw, err := json.Marshal(BuildStatus(map[string]any{"state": map[string]any{"text": "Printing"}}, temps, tt.eventType, tt.payload))
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}

			var back map[string]any
			if err := json.Unmarshal(raw, &back); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if back["origin"] != OriginStatus {
				t.Errorf("origin = %v", back["origin"])
			}
			if !reflect.DeepEqual(back["temps"], temps) {
				t.Errorf("temps = %v, want %v", back["temps"], temps)
			}

			typ, hasType := back["type"]
			if tt.eventType == "" {
				if hasType {
					t.Errorf("type = %v on a periodic status", typ)
				}
				if _, ok := back["payload"]; ok {
					t.Error("payload present on a periodic status")
				}
				return
			}
			if typ != tt.eventType {
				t.Errorf("type = %v, want %s", typ, tt.eventType)
			}
			if !reflect.DeepEqual(back["payload"], tt.payload) {
				t.Errorf("payload = %v, want %v", back["payload"], tt.payload)
			}
		})
	}
}

func TestBuildStatus_NilTemps(t *testing.T) {
	raw, _ := json.Marshal(BuildStatus(nil, nil, "", nil))
	if string(raw) != `{"origin":"octoprint","temps":{}}` {
		t.Errorf("status = %s", raw)
	}
}

func TestHeartbeat_Shape(t *testing.T) {
	hb := NewHeartbeat(OpInfo{
		IPAddrs:  []string{"192.168.1.20"},
		Settings: HeartbeatSettings{Temperature: map[string]any{"cutoff": 30}},
	}, "1.4.0")

	raw, err := json.Marshal(hb)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"hb":{"ipAddrs":["192.168.1.20"],"settings":{"temperature":{"cutoff":30}},"octolapse":null},"origin":"oa","oaVersion":"1.4.0"}`
	if string(raw) != want {
		t.Errorf("heartbeat = %s\nwant        %s", raw, want)
	}

	hb.HB.Octolapse = &PluginVersion{Version: "0.4.2", Enabled: true}
	raw, _ = json.Marshal(hb)
	var back Heartbeat
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.HB.Octolapse == nil || back.HB.Octolapse.Version != "0.4.2" || !back.HB.Octolapse.Enabled {
		t.Errorf("octolapse = %+v", back.HB.Octolapse)
	}
}

func TestHeartbeat_EmptyIPList(t *testing.T) {
	raw, _ := json.Marshal(NewHeartbeat(OpInfo{}, "dev"))
	var back map[string]any
	_ = json.Unmarshal(raw, &back)
	hb := back["hb"].(map[string]any)
	if ips, ok := hb["ipAddrs"].([]any); !ok || len(ips) != 0 {
		t.Errorf("ipAddrs = %v, want []", hb["ipAddrs"])
	}
}

type countingSettings struct {
	calls int
	err   error
}

func (s *countingSettings) Temperature(context.Context) (map[string]any, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return map[string]any{"cutoff": 30.0}, nil
}

type stubPlugins map[string]*octoprint.PluginInfo

func (p stubPlugins) PluginInfo(_ context.Context, key string) (*octoprint.PluginInfo, error) {
	return p[key], nil
}

func TestOpInfoCache(t *testing.T) {
	settings := &countingSettings{err: errors.New("octoprint down")}
	c := &opInfoCache{
		settings: settings,
		plugins:  stubPlugins{CompanionPlugin: {Key: CompanionPlugin, Version: "0.4.2", Enabled: true}},
		ipAddrs:  func() ([]string, error) { return []string{"10.0.0.2"}, nil },
	}
	ctx := context.Background()

	if _, err := c.get(ctx); err == nil {
		t.Fatal("get() succeeded while settings fail")
	}

	settings.err = nil
	for range 3 {
		info, err := c.get(ctx)
		if err != nil {
			t.Fatalf("get() error = %v", err)
		}
		if info.Octolapse == nil || info.Octolapse.Version != "0.4.2" {
			t.Errorf("Octolapse = %+v", info.Octolapse)
		}
		if !reflect.DeepEqual(info.IPAddrs, []string{"10.0.0.2"}) {
			t.Errorf("IPAddrs = %v", info.IPAddrs)
		}
	}
	if settings.calls != 2 {
		t.Errorf("settings read %d times, want 2 (one failure, one cached success)", settings.calls)
	}
	if c.loads != 2 {
		t.Errorf("loads = %d, want 2", c.loads)
	}
}

func TestScheduler(t *testing.T) {
	s := NewScheduler(60 * time.Second)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if tick := s.Next(t0); !tick.Heartbeat || !tick.Status {
		t.Errorf("first tick = %+v, want heartbeat and status", tick)
	}
	if tick := s.Next(t0.Add(10 * time.Second)); tick.Heartbeat || !tick.Status {
		t.Errorf("tick at +10s = %+v, want status only", tick)
	}
	if s.HeartbeatDue(t0.Add(60 * time.Second)) {
		t.Error("heartbeat due at exactly the interval")
	}
	if tick := s.Next(t0.Add(61 * time.Second)); !tick.Heartbeat {
		t.Errorf("tick at +61s = %+v, want heartbeat", tick)
	}
	if s.HeartbeatDue(t0.Add(100 * time.Second)) {
		t.Error("heartbeat due 39s after the last one")
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{Stopped: "stopped", Connecting: "connecting", Connected: "connected", State(9): "State(9)"} {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(st), got, want)
		}
	}
}

func TestEndpoint(t *testing.T) {
	if got := Endpoint("wss://relay.example.com/"); got != "wss://relay.example.com/app/ws/device" {
		t.Errorf("Endpoint() = %q", got)
	}
}

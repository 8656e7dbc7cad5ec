package relay

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Origin tags on outbound messages.
const (
	OriginStatus    = "octoprint"
	OriginHeartbeat = "oa"
)

// CompanionPlugin is the plugin whose version is reported in
// heartbeats.
const CompanionPlugin = "octolapse"

// BuildStatus returns a status message: the device snapshot with temps
// and origin added. A non-empty eventType adds "type" and "payload".
// data is not modified.
func BuildStatus(data, temps map[string]any, eventType string, eventPayload any) map[string]any {
	out := make(map[string]any, len(data)+4)
	maps.Copy(out, data)
	if temps == nil {
		temps = map[string]any{}
	}
	out["temps"] = temps
	out["origin"] = OriginStatus
	if eventType != "" {
		out["type"] = eventType
		out["payload"] = eventPayload
	}
	return out
}

// PluginVersion is the {version, enabled} pair sent for the companion
// plugin.
type PluginVersion struct {
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

// HeartbeatSettings is the settings excerpt sent in heartbeats.
type HeartbeatSettings struct {
	Temperature map[string]any `json:"temperature"`
}

// OpInfo is the environment description carried by heartbeats.
type OpInfo struct {
	IPAddrs   []string          `json:"ipAddrs"`
	Settings  HeartbeatSettings `json:"settings"`
	Octolapse *PluginVersion    `json:"octolapse"`
}

// Heartbeat is the low-frequency liveness message.
type Heartbeat struct {
	HB        OpInfo `json:"hb"`
	Origin    string `json:"origin"`
	OAVersion string `json:"oaVersion"`
}

// NewHeartbeat wraps info for sending.
func NewHeartbeat(info OpInfo, version string) Heartbeat {
	if info.IPAddrs == nil {
		info.IPAddrs = []string{}
	}
	return Heartbeat{HB: info, Origin: OriginHeartbeat, OAVersion: version}
}

// opInfoCache gathers OpInfo on first use and keeps it for the life of
// the supervisor. A failed gather is not cached.
type opInfoCache struct {
	settings Settings
	plugins  Plugins
	ipAddrs  func() ([]string, error)

	mu    sync.Mutex
	info  *OpInfo
	loads int
}

func (c *opInfoCache) get(ctx context.Context) (OpInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info != nil {
		return *c.info, nil
	}

	c.loads++
	info, err := c.gather(ctx)
	if err != nil {
		return OpInfo{}, err
	}
	c.info = &info
	return info, nil
}

func (c *opInfoCache) gather(ctx context.Context) (OpInfo, error) {
	var info OpInfo

	addrs, err := c.ipAddrs()
	if err != nil {
		return OpInfo{}, fmt.Errorf("ip addresses: %w", err)
	}
	info.IPAddrs = addrs

	if c.settings != nil {
		temp, err := c.settings.Temperature(ctx)
		if err != nil {
			return OpInfo{}, fmt.Errorf("temperature settings: %w", err)
		}
		info.Settings.Temperature = temp
	}

	if c.plugins != nil {
		p, err := c.plugins.PluginInfo(ctx, CompanionPlugin)
		if err != nil {
			return OpInfo{}, fmt.Errorf("plugin %s: %w", CompanionPlugin, err)
		}
		if p != nil {
			info.Octolapse = &PluginVersion{Version: p.Version, Enabled: p.Enabled}
		}
	}
	return info, nil
}

package octoprint

import (
	"context"
	"fmt"
)

// Webcam is the webcam section of OctoPrint's settings.
type Webcam struct {
	Enabled     bool   `json:"webcamEnabled"`
	SnapshotURL string `json:"snapshotUrl"`
	StreamURL   string `json:"streamUrl"`
	FlipH       bool   `json:"flipH"`
	FlipV       bool   `json:"flipV"`
	Rotate90    bool   `json:"rotate90"`
}

type settingsResponse struct {
	Temperature map[string]any `json:"temperature"`
	Webcam      Webcam         `json:"webcam"`
}

func (c *Client) settings(ctx context.Context) (*settingsResponse, error) {
	var s settingsResponse
	if err := c.get(ctx, "/api/settings", &s); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return &s, nil
}

// Temperature returns the effective temperature settings (profiles,
// cutoff, sendAutomatically).
func (c *Client) Temperature(ctx context.Context) (map[string]any, error) {
	s, err := c.settings(ctx)
	if err != nil {
		return nil, err
	}
	if s.Temperature == nil {
		return map[string]any{}, nil
	}
	return s.Temperature, nil
}

// Webcam returns the webcam configuration.
func (c *Client) Webcam(ctx context.Context) (*Webcam, error) {
	s, err := c.settings(ctx)
	if err != nil {
		return nil, err
	}
	return &s.Webcam, nil
}

// PluginInfo describes an installed plugin.
type PluginInfo struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

// PluginInfo looks up an installed plugin by key. It returns nil with
// no error when the plugin is not installed.
func (c *Client) PluginInfo(ctx context.Context, key string) (*PluginInfo, error) {
	var resp struct {
		Plugins []PluginInfo `json:"plugins"`
	}
	if err := c.get(ctx, "/plugin/pluginmanager/plugins", &resp); err != nil {
		return nil, fmt.Errorf("plugins: %w", err)
	}
	for i := range resp.Plugins {
		if resp.Plugins[i].Key == key {
			p := resp.Plugins[i]
			return &p, nil
		}
	}
	return nil, nil
}

package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPlugin_Sound_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pluginDir := findPluginDir("sound")
	if pluginDir == "" {
		t.Skip("sound plugin not built")
	}

	mgr := NewManager(filepath.Dir(pluginDir))
	if err := mgr.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	plug, err := mgr.Get("sound")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !plug.Supports("play") || plug.Supports("execute") {
		t.Errorf("unexpected actions %v", plug.Manifest.Actions)
	}

	executor := NewExecutor(5 * time.Second)

	// Unknown actions and bad config fail without touching the audio device.
	tests := []*Request{
		{Action: "execute", Event: "acquired", MarkerID: 1},
		{Action: "play", Event: "lost", MarkerID: 1, Config: json.RawMessage(`{"volume": 3}`)},
		{Action: "play", Event: "lost", MarkerID: 1, Config: json.RawMessage(`{"file": "/nonexistent/cue.wav"}`)},
	}
	for _, req := range tests {
		resp, err := executor.Execute(context.Background(), plug, req)
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", req.Action, err)
		}
		if resp.Success {
			t.Errorf("expected failure for %s %s", req.Action, req.Config)
		}
	}
}

func findPluginDir(name string) string {
	candidates := []string{
		filepath.Join("../../plugins", name),
		filepath.Join("../../../plugins", name),
	}

	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, "plugin.json")); err != nil {
			continue
		}
		// The manifest is checked in; the executable only exists after a build.
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			continue
		}
		return dir
	}
	return ""
}

package config

import (
	"errors"
	"flag"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Role != "" {
		t.Fatalf("Role = %q, want empty (interactive)", cfg.Role)
	}
	if cfg.GraceDelay != 500*time.Millisecond {
		t.Fatalf("GraceDelay = %v, want 500ms", cfg.GraceDelay)
	}
	if cfg.PingInterval != time.Second {
		t.Fatalf("PingInterval = %v, want 1s", cfg.PingInterval)
	}
	if len(cfg.STUNURLs) != 2 {
		t.Fatalf("STUNURLs = %v, want defaults", cfg.STUNURLs)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		envVarRole:       "view",
		envVarBaseURL:    "http://env.example:1",
		envVarMode:       "ws",
		envVarGraceDelay: "2s",
	}
	cfg, err := load(lookupFrom(env), []string{"-url", "https://robot.local:8443", "-camera", "depth"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Role != RoleView || cfg.Mode != ModeWebSocket {
		t.Fatalf("role/mode = %q/%q", cfg.Role, cfg.Mode)
	}
	if cfg.BaseURL != "https://robot.local:8443" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.GraceDelay != 2*time.Second {
		t.Fatalf("GraceDelay = %v, want env value", cfg.GraceDelay)
	}

	frameURL, err := cfg.FrameURL()
	if err != nil {
		t.Fatalf("FrameURL: %v", err)
	}
	if frameURL != "wss://robot.local:8443/depth/ws" {
		t.Fatalf("FrameURL = %q", frameURL)
	}
	pingURL, _ := cfg.PingURL()
	if pingURL != "wss://robot.local:8443/ping/ws" {
		t.Fatalf("PingURL = %q", pingURL)
	}
}

func TestLoadEmptySTUNDisablesICEServers(t *testing.T) {
	cfg, err := load(lookupFrom(nil), []string{"-stun-urls", ""})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if servers := cfg.ICEServers(); servers != nil {
		t.Fatalf("ICEServers = %v, want nil", servers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"role", []string{"-role", "robot"}, "invalid role"},
		{"mode", []string{"-role", "view", "-mode", "mjpeg"}, "invalid mode"},
		{"url", []string{"-role", "view", "-url", "robot.local"}, "invalid backend URL"},
		{"fps", []string{"-role", "serve", "-fps", "0"}, "invalid fps"},
		{"ping", []string{"-role", "view", "-ping-interval", "0s"}, "ping interval"},
		{"backends", []string{"-role", "serve", "-backends", " , "}, "backend name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(lookupFrom(nil), tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadServeBackends(t *testing.T) {
	env := map[string]string{envVarBackends: "camera, arm"}
	cfg, err := load(lookupFrom(env), []string{"-role", "serve", "-ivf", "clip.ivf"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Backends) != 2 || cfg.Backends[0] != "camera" || cfg.Backends[1] != "arm" {
		t.Fatalf("Backends = %q", cfg.Backends)
	}
	if cfg.SampleFile != "clip.ivf" {
		t.Fatalf("SampleFile = %q", cfg.SampleFile)
	}
}

func TestLoadBadEnvDuration(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{envVarPingInterval: "soon"}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarPingInterval) {
		t.Fatalf("err = %v, want mention of %s", err, envVarPingInterval)
	}
}

func TestLoadHelp(t *testing.T) {
	_, err := load(lookupFrom(nil), []string{"-h"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err = %v, want flag.ErrHelp", err)
	}
}

package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	valid := map[string]string{
		"remote.base_url": "https://chat.test",
		"remote.token":    "tok",
		"remote.identity": "alice",
		"store.path":      "/tmp/cache",
		"log.mode":        "production",
		"media.dir":       "/tmp/media",
	}
	for k, v := range valid {
		if err := setConfigValue(cfg, k, v); err != nil {
			t.Errorf("%s: %v", k, err)
		}
	}
	if cfg.Remote.Identity != "alice" || cfg.Store.Path != "/tmp/cache" || cfg.Media.Dir != "/tmp/media" || cfg.Log.Mode != "production" {
		t.Errorf("unexpected config %+v", cfg)
	}

	for _, key := range []string{"token", "remote.nope", "store.size", "nope.field", "log.mode"} {
		if err := setConfigValue(cfg, key, "x"); err == nil {
			t.Errorf("%s: expected error", key)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{Remote: ConfigRemote{Token: "file", BaseURL: "https://file.test", Identity: "bob"}}
	env := map[string]string{"CONVSYNC_TOKEN": "env", "CONVSYNC_IDENTITY": "alice"}
	applyEnv(cfg, func(k string) string { return env[k] })

	if cfg.Remote.Token != "env" || cfg.Remote.Identity != "alice" {
		t.Errorf("env must override the file, got %+v", cfg.Remote)
	}
	if cfg.Remote.BaseURL != "https://file.test" {
		t.Errorf("unset variables must keep the file value, got %q", cfg.Remote.BaseURL)
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"short":                  "****",
		"abcdefghijkl":           "abcd...ijkl",
		"abcdefghijklmnopqrstuv": "abcdefghijkl...stuv",
	}
	for in, want := range tests {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg := &Config{Remote: ConfigRemote{Token: "tok-abcdefghijklmnop", Identity: "alice"}}

	out, err := renderConfig(cfg, false)
	if err != nil {
		t.Fatalf("renderConfig: %v", err)
	}
	if strings.Contains(out, "tok-abcdefghijklmnop") {
		t.Errorf("token must be masked:\n%s", out)
	}
	for _, want := range []string{"tok-abcdefgh...mnop", "alice", filepath.Join(home, ".convsync", "cache"), "development"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}
	if cfg.Remote.Token != "tok-abcdefghijklmnop" || cfg.Store.Path != "" {
		t.Errorf("rendering must not modify the config, got %+v", cfg)
	}

	out, _ = renderConfig(cfg, true)
	if !strings.Contains(out, "tok-abcdefghijklmnop") {
		t.Errorf("reveal must print the token:\n%s", out)
	}
}

func TestOverridingEnv(t *testing.T) {
	if got := overridingEnv("remote.token"); got != "CONVSYNC_TOKEN" {
		t.Errorf("unexpected %q", got)
	}
	if got := overridingEnv("store.path"); got != "" {
		t.Errorf("store.path has no override, got %q", got)
	}
}

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withTmpState(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("VISITGATE_CONFIG", filepath.Join(dir, "nonexistent.yaml"))
	return filepath.Join(dir, "visitgate")
}

func Test_stateDir(t *testing.T) {
	base := withTmpState(t)
	if got := stateDir(); got != base {
		t.Fatalf("stateDir=%q, want %q", got, base)
	}
}

func Test_readAll_File(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "in.bin")
	if err := os.WriteFile(p, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := readAll(p)
	if err != nil || string(b) != "payload" {
		t.Fatalf("readAll: %q %v", b, err)
	}
	if _, err := readAll(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func Test_contentTypeOf(t *testing.T) {
	t.Parallel()
	if ct := contentTypeOf("photo.png"); !strings.HasPrefix(ct, "image/png") {
		t.Fatalf("png: %q", ct)
	}
	if ct := contentTypeOf("blob.weird"); ct != "application/octet-stream" {
		t.Fatalf("unknown ext: %q", ct)
	}
}

func Test_optStr(t *testing.T) {
	t.Parallel()
	if optStr("") != nil {
		t.Fatalf("empty must map to nil")
	}
	if v := optStr("x"); v == nil || *v != "x" {
		t.Fatalf("non-empty must round-trip")
	}
}

func Test_buildApp(t *testing.T) {
	base := withTmpState(t)
	t.Setenv("VISITGATE_BACKEND_BASE_URL", "https://backend.example/api")
	t.Setenv("VISITGATE_SESSION_DIR", base)

	a, err := buildApp("")
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	if a.cfg.Backend.BaseURL != "https://backend.example/api" {
		t.Fatalf("base url not picked up: %q", a.cfg.Backend.BaseURL)
	}
	// state dir must come up with the sealed-store key in place
	if _, err := os.Stat(filepath.Join(base, "secret.key")); err != nil {
		t.Fatalf("store key: %v", err)
	}
}

func Test_buildApp_BaseOverrideWithoutConfig(t *testing.T) {
	withTmpState(t)
	t.Setenv("VISITGATE_BACKEND_BASE_URL", "")

	a, err := buildApp("https://other.example/api")
	if err != nil {
		t.Fatalf("buildApp with override: %v", err)
	}
	if a.cfg.Backend.BaseURL != "https://other.example/api" {
		t.Fatalf("override not applied: %q", a.cfg.Backend.BaseURL)
	}
}

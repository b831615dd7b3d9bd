package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "muxgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestOverlayFile(t *testing.T) {
	path := writeConfigFile(t, `
worker:
  url: wss://worker.internal:9443
  cert_file: /etc/muxgate/client.crt
  key_file: /etc/muxgate/client.key
  ca_file: /etc/muxgate/ca.crt
`)

	s := Settings{WorkerURL: "ws://localhost:9000"}
	if err := overlayFile(&s, path); err != nil {
		t.Fatalf("overlayFile: %v", err)
	}
	if s.WorkerURL != "wss://worker.internal:9443" {
		t.Errorf("WorkerURL = %q", s.WorkerURL)
	}
	if s.WorkerCertFile != "/etc/muxgate/client.crt" || s.WorkerCAFile != "/etc/muxgate/ca.crt" {
		t.Errorf("TLS files not overlaid: %+v", s)
	}
}

func TestOverlayFileEnvWins(t *testing.T) {
	path := writeConfigFile(t, `
worker:
  url: wss://from-file:9443
  cert_file: /from/file.crt
`)

	t.Setenv("MUXGATE_WORKER_URL", "wss://from-env:9443")
	t.Setenv("MUXGATE_WORKER_CERT_FILE", "/from/env.crt")
	s := Settings{
		WorkerURL:      "wss://from-env:9443",
		WorkerCertFile: "/from/env.crt",
	}
	if err := overlayFile(&s, path); err != nil {
		t.Fatalf("overlayFile: %v", err)
	}
	if s.WorkerURL != "wss://from-env:9443" {
		t.Errorf("file overrode env WorkerURL: %q", s.WorkerURL)
	}
	if s.WorkerCertFile != "/from/env.crt" {
		t.Errorf("file overrode env WorkerCertFile: %q", s.WorkerCertFile)
	}
}

func TestOverlayFileEnvSetToDefaultStillWins(t *testing.T) {
	path := writeConfigFile(t, `
worker:
  url: wss://from-file:9443
`)

	// Explicitly pointing the env var at the default endpoint is still an
	// explicit choice; the file does not override it.
	t.Setenv("MUXGATE_WORKER_URL", "ws://localhost:9000")
	s := Settings{WorkerURL: "ws://localhost:9000"}
	if err := overlayFile(&s, path); err != nil {
		t.Fatalf("overlayFile: %v", err)
	}
	if s.WorkerURL != "ws://localhost:9000" {
		t.Errorf("file overrode explicitly set env WorkerURL: %q", s.WorkerURL)
	}
}

func TestOverlayFileErrors(t *testing.T) {
	var s Settings
	if err := overlayFile(&s, "/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeConfigFile(t, "worker: [not: valid")
	if err := overlayFile(&s, path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

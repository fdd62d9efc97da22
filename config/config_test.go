package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	mcperr "github.com/conikeec/mcpr/errors"
	"github.com/conikeec/mcpr/transport"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.MaxErrors != 5 {
		t.Fatalf("max_errors: got %d, want 5", cfg.Server.MaxErrors)
	}
	if cfg.Server.RetryDelay() != 100*time.Millisecond {
		t.Fatalf("retry delay: got %v", cfg.Server.RetryDelay())
	}
	tr, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := tr.(*transport.StdioTransport); !ok {
		t.Fatalf("default transport: got %T, want stdio", tr)
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load(`
[server]
name = "calc"
version = "2.0.0"
max_errors = 3
retry_delay_ms = 250

[socket]
host = "127.0.0.1"
port = 9400
listen = true
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Name != "calc" || cfg.Server.MaxErrors != 3 {
		t.Fatalf("server section: got %+v", cfg.Server)
	}
	if cfg.Socket.Addr() != "127.0.0.1:9400" {
		t.Fatalf("socket addr: got %q", cfg.Socket.Addr())
	}
	tr, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := tr.(*transport.TCPTransport); !ok {
		t.Fatalf("transport: got %T, want tcp", tr)
	}
}

func TestLoadKeepsDefaultsForAbsentFields(t *testing.T) {
	cfg, err := Load(`
[server]
name = "partial"
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.MaxErrors != 5 || cfg.Server.RetryDelayMS != 100 {
		t.Fatalf("defaults not applied: %+v", cfg.Server)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpr.toml")
	doc := `
[websocket]
url = "ws://localhost:9401/socket"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	tr, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := tr.(*transport.WebSocketTransport); !ok {
		t.Fatalf("transport: got %T, want websocket", tr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad port", "[socket]\nport = 70000\n"},
		{"two sections", "[socket]\nport = 9400\n\n[websocket]\nurl = \"ws://x\"\n"},
		{"sse both modes", "[sse]\naddr = \":9402\"\nevents_url = \"http://x/events\"\n"},
		{"negative max_errors", "[server]\nmax_errors = -1\n"},
		{"malformed toml", "[server\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.doc)
			if err == nil {
				t.Fatal("Load accepted invalid config")
			}
			if mcperr.AsError(err) == nil {
				t.Fatalf("error is not from the taxonomy: %v", err)
			}
		})
	}
}

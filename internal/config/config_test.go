package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/casevault/internal/testutil"
)

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CASEVAULT_HOME", tmpDir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if diff := cmp.Diff(Default(tmpDir), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.Server.APIPort != 8080 {
		t.Errorf("Server.APIPort = %d, want 8080", cfg.Server.APIPort)
	}
	if got, want := cfg.DatabasePath(), filepath.Join(tmpDir, "casevault.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
	if cfg.ResyncWindow() != 30*24*time.Hour {
		t.Errorf("ResyncWindow() = %v", cfg.ResyncWindow())
	}
	if len(cfg.ScheduledOrgs()) != 0 {
		t.Errorf("ScheduledOrgs() = %v, want empty", cfg.ScheduledOrgs())
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CASEVAULT_HOME", tmpDir)

	path := testutil.WriteFile(t, tmpDir, "config.toml", []byte(`
[server]
api_port = 9090
api_key = "test-secret-key"
cors_origins = ["http://localhost:3000"]

[search]
page_size = 25

[actions]
concurrency = 2

[notifications]
schedule = "*/5 * * * *"
webhook_url = "http://hooks.local/labels"

[log]
level = "debug"
format = "json"

[[orgs]]
id = 1
name = "Nyaruka"
relabel_schedule = "0 2 * * *"
enabled = true

[[orgs]]
id = 2
name = "Paused"
relabel_schedule = "0 3 * * *"
enabled = false
`))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.APIPort != 9090 || cfg.Server.APIKey != "test-secret-key" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	// Unset keys keep their defaults.
	if cfg.Server.BindAddr != "127.0.0.1" || cfg.Server.RateBurst != 20 {
		t.Errorf("Server defaults lost: %+v", cfg.Server)
	}
	testutil.AssertEqualSlices(t, cfg.Server.CORSOrigins, "http://localhost:3000")
	if cfg.Search.PageSize != 25 || cfg.Actions.Concurrency != 2 {
		t.Errorf("Search = %+v, Actions = %+v", cfg.Search, cfg.Actions)
	}
	if cfg.Notifications.WebhookURL != "http://hooks.local/labels" || cfg.Notifications.BatchSize != 100 {
		t.Errorf("Notifications = %+v", cfg.Notifications)
	}

	level, err := cfg.LogLevel()
	testutil.MustNoErr(t, err, "LogLevel")
	if level != slog.LevelDebug {
		t.Errorf("LogLevel() = %v, want debug", level)
	}

	scheduled := cfg.ScheduledOrgs()
	if len(scheduled) != 1 || scheduled[0].ID != 1 {
		t.Errorf("ScheduledOrgs() = %+v", scheduled)
	}
	if o := cfg.GetOrg(2); o == nil || o.Name != "Paused" {
		t.Errorf("GetOrg(2) = %+v", o)
	}
	if o := cfg.GetOrg(3); o != nil {
		t.Errorf("GetOrg(3) = %+v, want nil", o)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad toml", "[server\n", "decode config"},
		{"zero page size", "[search]\npage_size = 0\n", "page_size"},
		{"bad concurrency", "[actions]\nconcurrency = -1\n", "concurrency"},
		{"zero resync", "[labels]\nresync_days = 0\n", "resync_days"},
		{"zero batch", "[notifications]\nbatch_size = 0\n", "batch_size"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "log.level"},
		{"bad format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"bad dispatch cron", "[notifications]\nschedule = \"every minute\"\n", "notifications.schedule"},
		{"bad org cron", "[[orgs]]\nid = 1\nrelabel_schedule = \"nope\"\nenabled = true\n", "relabel_schedule"},
		{"duplicate org", "[[orgs]]\nid = 1\n[[orgs]]\nid = 1\n", "duplicate id"},
		{"missing org id", "[[orgs]]\nname = \"x\"\n", "id must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			t.Setenv("CASEVAULT_HOME", tmpDir)
			path := testutil.WriteFile(t, tmpDir, "config.toml", []byte(tt.content))

			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabasePathOverride(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Data.DatabaseURL = "/srv/casevault/data.db"
	if got := cfg.DatabasePath(); got != "/srv/casevault/data.db" {
		t.Errorf("DatabasePath() = %q", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"~/data", filepath.Join(home, "data")},
		{"/abs/path", "/abs/path"},
		{"rel/path", "rel/path"},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultHome(t *testing.T) {
	t.Setenv("CASEVAULT_HOME", "/tmp/cv-home")
	if got := DefaultHome(); got != "/tmp/cv-home" {
		t.Errorf("DefaultHome() = %q", got)
	}
}

func TestValidateSecure(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"default loopback", ServerConfig{}, false},
		{"ipv4 loopback", ServerConfig{BindAddr: "127.0.0.1"}, false},
		{"ipv6 loopback", ServerConfig{BindAddr: "::1"}, false},
		{"public without key", ServerConfig{BindAddr: "0.0.0.0"}, true},
		{"public with key", ServerConfig{BindAddr: "0.0.0.0", APIKey: "secret"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.ValidateSecure(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateSecure() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

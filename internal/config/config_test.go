package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/pimsync/internal/auth"
	"github.com/njoerd114/pimsync/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - id: work
    base_url: "https://dav.example.com/"
    username: alice
    auth_scheme: basic
    token_env: PIMSYNC_WORK_TOKEN
    calendars: true
    tasks: true
    conflict_policy: ask-user
    sync_interval: 5m
    requests_per_second: 4
  - id: home
    base_url: "http://nas.local:5232/"
    token_file: /run/secrets/home
    contacts: true
debounce: 500ms
retry:
  max_attempts: 5
  initial_interval: 1s
device_store:
  path: /tmp/device.db
  watch: false
state_path: /tmp/cache.db
control:
  listen: "127.0.0.1:9000"
log:
  file: /tmp/pimsync.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("Accounts len = %d, want 2", len(cfg.Accounts))
	}

	work := cfg.Accounts[0].Model()
	if work.ID != "work" || !work.Calendars || work.Contacts || !work.Tasks {
		t.Errorf("work account = %+v", work)
	}
	if work.ConflictPolicy != model.PolicyAskUser {
		t.Errorf("ConflictPolicy = %v, want ask-user", work.ConflictPolicy)
	}
	if work.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want 5m", work.SyncInterval)
	}
	if cfg.Accounts[0].RequestsPerSecond != 4 {
		t.Errorf("RequestsPerSecond = %v, want 4", cfg.Accounts[0].RequestsPerSecond)
	}

	cred := cfg.Accounts[0].Credential()
	if cred.Scheme != auth.SchemeBasic || cred.Username != "alice" || cred.TokenEnv != "PIMSYNC_WORK_TOKEN" {
		t.Errorf("credential = %+v", cred)
	}
	if got := cfg.Credentials(); len(got) != 2 || got[1].TokenFile != "/run/secrets/home" {
		t.Errorf("Credentials = %+v", got)
	}

	if cfg.Debounce != 500*time.Millisecond {
		t.Errorf("Debounce = %v, want 500ms", cfg.Debounce)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.InitialInterval != time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if *cfg.DeviceStore.Watch {
		t.Error("DeviceStore.Watch = true, want false")
	}
	if p, _ := cfg.DeviceDBPath(); p != "/tmp/device.db" {
		t.Errorf("DeviceDBPath = %q", p)
	}
	if p, _ := cfg.StateDBPath(); p != "/tmp/cache.db" {
		t.Errorf("StateDBPath = %q", p)
	}
	if cfg.Control.Listen != "127.0.0.1:9000" {
		t.Errorf("Control.Listen = %q", cfg.Control.Listen)
	}
	if cfg.Log.MaxSizeMB != defaultLogMaxSizeMB || cfg.Log.MaxBackups != defaultLogMaxBackups {
		t.Errorf("Log = %+v, want rotation defaults", cfg.Log)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - id: work
    base_url: "https://dav.example.com/"
    calendars: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := cfg.Accounts[0].Model()
	if a.SyncInterval != defaultSyncInterval {
		t.Errorf("SyncInterval = %v, want default %v", a.SyncInterval, defaultSyncInterval)
	}
	if a.ConflictPolicy != model.PolicyLastModifiedWins {
		t.Errorf("ConflictPolicy = %v, want last-modified-wins", a.ConflictPolicy)
	}
	if cfg.Accounts[0].Credential().Scheme != auth.SchemeBearer {
		t.Errorf("Scheme = %q, want bearer", cfg.Accounts[0].Credential().Scheme)
	}
	if cfg.Debounce != defaultDebounce {
		t.Errorf("Debounce = %v, want %v", cfg.Debounce, defaultDebounce)
	}
	if cfg.Retry.MaxAttempts != defaultMaxAttempts || cfg.Retry.InitialInterval != defaultRetryInterval {
		t.Errorf("Retry = %+v, want defaults", cfg.Retry)
	}
	if cfg.DeviceStore.Watch == nil || !*cfg.DeviceStore.Watch {
		t.Error("DeviceStore.Watch not defaulted to true")
	}
	if cfg.Control.Listen != defaultListen {
		t.Errorf("Control.Listen = %q, want %q", cfg.Control.Listen, defaultListen)
	}
	if cfg.Telemetry != nil {
		t.Error("Telemetry should be nil when omitted")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no accounts",
			content: "debounce: 1s\n",
			wantErr: "accounts",
		},
		{
			name: "missing id",
			content: `
accounts:
  - base_url: "https://dav.example.com/"
    calendars: true
`,
			wantErr: "id is required",
		},
		{
			name: "invalid url",
			content: `
accounts:
  - id: a
    base_url: "not-a-url"
    calendars: true
`,
			wantErr: "base_url",
		},
		{
			name: "nothing enabled",
			content: `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
`,
			wantErr: "syncs nothing",
		},
		{
			name: "duplicate id",
			content: `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
    calendars: true
  - id: a
    base_url: "https://other.example.com/"
    contacts: true
`,
			wantErr: "duplicate",
		},
		{
			name: "unknown policy",
			content: `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
    calendars: true
    conflict_policy: newest
`,
			wantErr: "conflict policy",
		},
		{
			name: "basic without username",
			content: `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
    calendars: true
    auth_scheme: basic
`,
			wantErr: "username",
		},
		{
			name: "interval too short",
			content: `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
    calendars: true
    sync_interval: 10s
`,
			wantErr: "too short",
		},
		{
			name: "debounce too long",
			content: `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
    calendars: true
debounce: 2m
`,
			wantErr: "debounce",
		},
		{
			name: "telemetry without endpoint",
			content: `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
    calendars: true
telemetry:
  insecure: true
`,
			wantErr: "otlp_endpoint",
		},
		{
			name: "unknown field",
			content: `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
    calendars: true
    calender: true
`,
			wantErr: "calender",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Telemetry(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - id: a
    base_url: "https://dav.example.com/"
    calendars: true
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: pimsync-test
  headers:
    Authorization: "Bearer xyz"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("Telemetry is nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" || !cfg.Telemetry.Insecure {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer xyz" {
		t.Errorf("Headers = %v", cfg.Telemetry.Headers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("DefaultPath: %v", err)
	}
	if !strings.HasSuffix(path, "pimsync/config.yaml") {
		t.Errorf("DefaultPath = %q, want it to end in pimsync/config.yaml", path)
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	cfg := &Config{Accounts: []AccountConfig{{
		ID:             "work",
		BaseURL:        "https://dav.example.com/",
		Username:       "alice",
		AuthScheme:     "basic",
		TokenEnv:       "PIMSYNC_WORK_TOKEN",
		Calendars:      true,
		Tasks:          true,
		ConflictPolicy: "server-wins",
	}}}
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "debounce") || strings.Contains(string(raw), "contacts") {
		t.Errorf("zero fields were written:\n%s", raw)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Write: %v", err)
	}
	a := got.Accounts[0].Model()
	if a.ID != "work" || !a.Calendars || a.Contacts || !a.Tasks || a.ConflictPolicy != model.PolicyServerWins {
		t.Errorf("account = %+v", a)
	}
	if got.Debounce != defaultDebounce {
		t.Errorf("Debounce = %v, want default", got.Debounce)
	}
}

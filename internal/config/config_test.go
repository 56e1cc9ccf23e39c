package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
auth:
  admin_key: hmd_admin123
providers:
  - name: anthropic
    kind: compat
    protocol: claude
    base_url: https://api.anthropic.com
    headers:
      X-Team: infra
    credentials:
      - name: primary
        api_key: sk-ant-test
        weight: 2
  - name: corp-vertex
    kind: vertex
    credentials:
      - name: sa
        vertex:
          project_id: proj-1
          client_email: svc@proj-1.iam.gserviceaccount.com
          private_key: not-a-real-key
          location: europe-west1
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	// Unset fields keep defaults.
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown_timeout = %v, want default 30s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Upstream.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want default 3", cfg.Upstream.MaxAttempts)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want :memory:", cfg.Database.DSN)
	}
	if cfg.Auth.AdminKey != "hmd_admin123" {
		t.Errorf("admin_key = %q", cfg.Auth.AdminKey)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}

	p := cfg.Providers[0]
	if p.Kind != "compat" || p.Protocol != "claude" || p.Headers["X-Team"] != "infra" {
		t.Fatalf("provider = %+v", p)
	}
	if len(p.Credentials) != 1 || p.Credentials[0].Weight != 2 {
		t.Fatalf("credentials = %+v", p.Credentials)
	}

	cred, err := p.Credentials[0].Credential()
	if err != nil {
		t.Fatal(err)
	}
	if cred.Kind != gateway.CredAPIKey || cred.APIKey.APIKey != "sk-ant-test" {
		t.Fatalf("credential = %+v", cred)
	}

	vc, err := cfg.Providers[1].Credentials[0].Credential()
	if err != nil {
		t.Fatal(err)
	}
	if vc.Kind != gateway.CredVertex || vc.Vertex.ProjectID != "proj-1" || vc.Vertex.Location != "europe-west1" {
		t.Fatalf("vertex credential = %+v", vc)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("HEIMDALL_TEST_KEY", "sk-from-env")

	yaml := `
providers:
  - name: openai
    kind: compat
    protocol: openai_chat
    base_url: https://api.openai.com
    credentials:
      - name: main
        api_key: ${HEIMDALL_TEST_KEY}
      - name: missing
        api_key: ${HEIMDALL_TEST_UNSET_VAR}
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	creds := cfg.Providers[0].Credentials
	if creds[0].APIKey != "sk-from-env" {
		t.Errorf("expanded = %q, want sk-from-env", creds[0].APIKey)
	}
	// Unset variables are left as-is so the failure is visible downstream.
	if !strings.Contains(creds[1].APIKey, "HEIMDALL_TEST_UNSET_VAR") {
		t.Errorf("unset var rewritten: %q", creds[1].APIKey)
	}
}

func TestCredentialEntryValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entry   CredentialEntry
		wantErr bool
	}{
		{"api key only", CredentialEntry{Name: "a", APIKey: "k"}, false},
		{"vertex only", CredentialEntry{Name: "b", Vertex: &VertexEntry{ProjectID: "p"}}, false},
		{"both set", CredentialEntry{Name: "c", APIKey: "k", Vertex: &VertexEntry{}}, true},
		{"neither set", CredentialEntry{Name: "d"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.entry.Credential()
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

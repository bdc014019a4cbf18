package internal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/hiedb/internal/apperr"
	"github.com/starford/hiedb/internal/auth"
	pkgconfig "github.com/starford/hiedb/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Tokens: []TokenConfig{
		{Token: "clerk-secret", Principal: "clerk"},
		{Token: "steward-secret", Principal: "steward", Permissions: []string{auth.PermReadLocals, auth.PermMergeMaster}},
	}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with tokens should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
	p := cfg.Principals()["steward-secret"]
	if p.Name != "steward" || !p.Has(auth.PermMergeMaster) || p.Has(auth.PermWriteMaster) {
		t.Errorf("principal = %+v", p)
	}
}

func TestAuthConfig_TokenModeNoTokens(t *testing.T) {
	cfg := AuthConfig{Mode: "token"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode without tokens should fail")
	}
	if !strings.Contains(err.Error(), "no tokens") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_UnknownPermission(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Tokens: []TokenConfig{{Token: "clerk-secret", Principal: "clerk", Permissions: []string{"root"}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown permission should fail validation")
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_DefaultsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestFullConfig_SectionErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"auth":          func(c *Config) { c.Auth.Mode = "token" },
		"provider":      func(c *Config) { c.Connections[0].Provider = "oracle" },
		"thresholds":    func(c *Config) { c.MDM.ProbableThreshold = 0.95 },
		"cron":          func(c *Config) { c.Jobs.Schedules = []JobSchedule{{Job: "mdm-match", Cron: "whenever"}} },
		"ingest":        func(c *Config) { c.Ingest.Enabled, c.Ingest.Path = true, "" },
		"amqp":          func(c *Config) { c.Messaging.AMQP.Enabled = true },
		"rw connection": func(c *Config) { c.Persistence.ReadWriteConnection = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestConnectionString_ResolvedOnAccess(t *testing.T) {
	cfg := NewDefaultConfig()
	// A persistence section may name a connection that is not declared;
	// the lookup fails only when it is resolved.
	cfg.Persistence.ReadonlyConnection = "reporting"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	provider, value, err := cfg.ConnectionString("main")
	if err != nil || provider != "sqlite" || value != "./hiedb.db" {
		t.Errorf("main = %q %q %v", provider, value, err)
	}
	_, _, err = cfg.ConnectionString("reporting")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoad_XMLDocument(t *testing.T) {
	doc := `<hiedb version="2">
  <app><logLevel>DEBUG</logLevel><http port="9090"/></app>
  <connections>
    <add name="main" provider="sqlite3" value="/var/lib/hiedb/main.db"/>
    <add name="ro" provider="sqlite" value="/var/lib/hiedb/main.db"/>
  </connections>
  <persistence readWriteConnection="main" readonlyConnection="ro"/>
  <mdm matchThreshold="0.85" probableThreshold="0.5"><class>Patient</class><class>Person</class></mdm>
  <jobs><schedule job="fulltext-rebuild" cron="@daily"/></jobs>
  <auth mode="token"><token value="steward-secret" principal="steward"><permission>mdm.read-locals</permission></token></auth>
</hiedb>`
	p := filepath.Join(t.TempDir(), "hiedb.xml")
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(p, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != "2" || cfg.App.HTTP.Port != 9090 || cfg.App.LogLevel.String() != "DEBUG" {
		t.Errorf("app = %+v version %q", cfg.App, cfg.Version)
	}
	if len(cfg.Connections) != 2 {
		t.Fatalf("connections = %+v, want the document's two", cfg.Connections)
	}
	if len(cfg.MDM.Classes) != 2 || cfg.MDM.Thresholds().Match != 0.85 {
		t.Errorf("mdm = %+v", cfg.MDM)
	}
	if len(cfg.Jobs.Schedules) != 1 || cfg.Jobs.Schedules[0].Cron != "@daily" {
		t.Errorf("jobs = %+v", cfg.Jobs)
	}
	if got := cfg.Auth.Principals()["steward-secret"]; !got.Has(auth.PermReadLocals) {
		t.Errorf("principal = %+v", got)
	}
	if cfg.Ingest.Path != "./inbox" {
		t.Errorf("ingest default lost: %+v", cfg.Ingest)
	}
}

func TestLoad_YAMLDocument(t *testing.T) {
	doc := `app:
  http:
    port: 8181
connections:
  - name: main
    provider: sqlite
    value: ${HIEDB_TEST_DB}
persistence:
  read_write_connection: main
ingest:
  enabled: true
  path: /srv/inbox
  principal: feed
`
	t.Setenv("HIEDB_TEST_DB", "/tmp/hiedb-test.db")
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(p, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, value, err := cfg.ConnectionString("main")
	if err != nil || value != "/tmp/hiedb-test.db" {
		t.Errorf("main = %q %v", value, err)
	}
	if !cfg.Ingest.Enabled || cfg.Ingest.Principal != "feed" {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
}

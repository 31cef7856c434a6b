package config

import (
	"os"
	"testing"
	"time"

	"github.com/dskow/mqlink/internal/options"
)

const minimalYAML = `
connection:
  address: host-a:5672
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.HTTP.Port != 8181 {
		t.Fatalf("http.port default = %d", cfg.HTTP.Port)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("metrics.path default = %q", cfg.Metrics.Path)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Fatal("metrics not enabled by default")
	}
	if cfg.Logging.Output != "stdout" || cfg.Logging.MaxSizeMB != 100 {
		t.Fatalf("logging defaults = %+v", cfg.Logging)
	}
	if !cfg.Reconnect.IsEnabled() {
		t.Fatal("reconnect not enabled by default")
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
connection:
  address: mqs://broker-1:5671
  failover_addresses: [broker-2:5671, broker-3:5671]
  reconnect_address: broker-dr:5671
  container_id: client-7
  virtual_host: prod
  user: alice
  secret: s3cret
  handshake_timeout_ms: 5000
reconnect:
  delay_ms: 20
  multiplier: 1.5
  max_delay_ms: 4000
  max_attempts: 10
admin:
  enabled: true
  ip_allowlist: ["127.0.0.0/8"]
`))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	if cfg.Connection.HandshakeTimeout() != 5*time.Second {
		t.Fatalf("handshake timeout = %v", cfg.Connection.HandshakeTimeout())
	}
	p := cfg.Reconnect.Policy()
	if p == nil {
		t.Fatal("nil policy from enabled reconnect section")
	}
	if p.Delay != 20*time.Millisecond || p.Multiplier != 1.5 || p.MaxDelay != 4*time.Second || p.MaxAttempts != 10 {
		t.Fatalf("policy = %+v", p)
	}
}

func TestReconnectDisabled(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML + `
reconnect:
  enabled: false
`))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Reconnect.Policy() != nil {
		t.Fatal("disabled reconnect produced a policy")
	}
	o := cfg.Options()
	p, ok := o.Reconnect.Get()
	if !ok || p != nil {
		t.Fatalf("Options().Reconnect = %v, %v; want explicit nil", p, ok)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing address", `{}`},
		{"bad failover entry", minimalYAML + "\n  failover_addresses: [\"\"]"},
		{"bad reconnect address", minimalYAML + "\n  reconnect_address: \"bad/path\""},
		{"negative delay", minimalYAML + "\nreconnect:\n  delay_ms: -1"},
		{"multiplier below one", minimalYAML + "\nreconnect:\n  multiplier: 0.5"},
		{"bad log level", minimalYAML + "\nlogging:\n  level: loud"},
		{"admin without allowlist", minimalYAML + "\nadmin:\n  enabled: true"},
		{"bad admin cidr", minimalYAML + "\nadmin:\n  enabled: true\n  ip_allowlist: [\"not-a-cidr\"]"},
	}
	for _, c := range cases {
		if _, err := LoadFromBytes([]byte(c.yaml)); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}
}

func TestEnvVarExpansion(t *testing.T) {
	os.Setenv("MQLINK_TEST_SECRET", "from-env")
	defer os.Unsetenv("MQLINK_TEST_SECRET")

	cfg, err := LoadFromBytes([]byte(minimalYAML + "\n  secret: ${MQLINK_TEST_SECRET}"))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Connection.Secret != "from-env" {
		t.Fatalf("secret = %q", cfg.Connection.Secret)
	}
}

func TestUnresolvedSecretWarning(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalYAML + "\n  secret: ${MQLINK_NO_SUCH_VAR}"))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if len(cfg.Warnings) == 0 {
		t.Fatal("no warning for unresolved secret")
	}
}

func TestOptionsBridge(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
connection:
  address: host-a:5672
  failover_addresses: [host-b:5672]
  user: alice
`))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	o := cfg.Options()
	if v, _ := o.User.Get(); v != "alice" {
		t.Fatalf("User = %q", v)
	}
	if o.ContainerID.IsSet() {
		t.Fatal("unset container_id marked present")
	}
	urls, ok := o.FailoverURLs.Get()
	if !ok || len(urls) != 1 || urls[0] != "host-b:5672" {
		t.Fatalf("FailoverURLs = %v, %v", urls, ok)
	}
	// Reconnect address is always present so a reload can clear it.
	if u, ok := o.ReconnectURL.Get(); !ok || u != "" {
		t.Fatalf("ReconnectURL = %q, %v", u, ok)
	}
	// No reconnect section at all: leave the policy decision to the engine.
	if o.Reconnect.IsSet() {
		t.Fatal("absent reconnect section produced an explicit policy")
	}

	// Merging onto a runtime overlay keeps unset identity fields intact.
	base := options.Options{VirtualHost: options.Some("prod")}
	merged := options.Merge(base, o)
	if v, _ := merged.VirtualHost.Get(); v != "prod" {
		t.Fatalf("VirtualHost = %q after merge", v)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  public_url: https://bridge.example.com
  api_secret: hunter2
twilio:
  account_sid: AC123
  auth_token: tok
  phone_number: "+15550001111"
provider:
  name: openai
  api_key: sk-test
  voice: sage
calls:
  max_concurrent: 4
  max_concurrent_outgoing: 2
  goodbye_phrases: ["goodbye", "have a great day"]
database:
  postgres_dsn: postgres://localhost/callbridge
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if cfg.Twilio.PhoneNumber != "+15550001111" {
		t.Errorf("PhoneNumber = %q", cfg.Twilio.PhoneNumber)
	}
	if cfg.Provider.Name != ProviderOpenAI {
		t.Errorf("Provider.Name = %q", cfg.Provider.Name)
	}
	if cfg.Calls.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d", cfg.Calls.MaxConcurrent)
	}
	if cfg.Calls.MaxConcurrentOutgoing != 2 {
		t.Errorf("MaxConcurrentOutgoing = %d", cfg.Calls.MaxConcurrentOutgoing)
	}
	// The unset incoming cap defaults to 5, bounded by the total of 4.
	if cfg.Calls.MaxConcurrentIncoming != 4 {
		t.Errorf("MaxConcurrentIncoming = %d, want total cap 4", cfg.Calls.MaxConcurrentIncoming)
	}
	if len(cfg.Calls.GoodbyePhrases) != 2 {
		t.Errorf("GoodbyePhrases = %v", cfg.Calls.GoodbyePhrases)
	}
}

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`server: {api_secret: s}`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Provider.Name != ProviderOpenAI {
		t.Errorf("Provider.Name = %q, want openai", cfg.Provider.Name)
	}
	if cfg.Calls.MaxConcurrent != 10 {
		t.Errorf("MaxConcurrent = %d, want 10", cfg.Calls.MaxConcurrent)
	}
	if cfg.Calls.MaxConcurrentOutgoing != 5 || cfg.Calls.MaxConcurrentIncoming != 5 {
		t.Errorf("directional caps = %d/%d, want 5/5",
			cfg.Calls.MaxConcurrentOutgoing, cfg.Calls.MaxConcurrentIncoming)
	}
	// Duration caps must default on so an unattended deployment cannot hold
	// a leg open indefinitely.
	if cfg.Calls.MaxOutgoingSeconds != 600 || cfg.Calls.MaxIncomingSeconds != 1800 {
		t.Errorf("duration caps = %d/%d, want 600/1800",
			cfg.Calls.MaxOutgoingSeconds, cfg.Calls.MaxIncomingSeconds)
	}
	sc := cfg.SessionConfig()
	if sc.MaxOutboundDuration != 600*time.Second || sc.MaxInboundDuration != 1800*time.Second {
		t.Errorf("session durations = %v/%v, want 10m0s/30m0s",
			sc.MaxOutboundDuration, sc.MaxInboundDuration)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`server: {listen_adr: ":8080"}`))
	if err == nil {
		t.Fatal("misspelled field was accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", `server: {log_level: loud}`, "server.log_level"},
		{"bad provider", `provider: {name: deepgram}`, "provider.name"},
		{"elevenlabs without agent", `provider: {name: elevenlabs, api_key: k}`, "provider.agent_id"},
		{"outgoing above total", "calls: {max_concurrent: 2, max_concurrent_outgoing: 5}", "max_concurrent_outgoing"},
		{"negative duration", "calls: {max_outgoing_seconds: -1}", "max_outgoing_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("invalid config was accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
server: {log_level: loud}
provider: {name: deepgram}
`))
	if err == nil {
		t.Fatal("invalid config was accepted")
	}
	msg := err.Error()
	if !strings.Contains(msg, "server.log_level") || !strings.Contains(msg, "provider.name") {
		t.Errorf("joined error missing a failure: %q", msg)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.APISecret != "hunter2" {
		t.Errorf("APISecret = %q", cfg.Server.APISecret)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file did not error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PUBLIC_URL", "https://env.example.com")
	t.Setenv("API_SECRET", "from-env")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC-env")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok-env")
	t.Setenv("TWILIO_PHONE_NUMBER", "+15550009999")
	t.Setenv("MAX_CONCURRENT_CALLS", "7")
	t.Setenv("MAX_CONCURRENT_OUTGOING_CALLS", "3")
	t.Setenv("MAX_CONCURRENT_INCOMING_CALLS", "4")
	t.Setenv("MAX_OUTGOING_CALL_DURATION", "120")
	t.Setenv("MAX_INCOMING_CALL_DURATION", "600")
	t.Setenv("DATABASE_URL", "postgres://env/callbridge")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg := &Config{}
	cfg.Server.APISecret = "from-file"
	if err := ApplyEnvOverrides(cfg); err != nil {
		t.Fatalf("ApplyEnvOverrides: %v", err)
	}

	if cfg.Server.PublicURL != "https://env.example.com" {
		t.Errorf("PublicURL = %q", cfg.Server.PublicURL)
	}
	if cfg.Server.APISecret != "from-env" {
		t.Errorf("APISecret = %q, env should win over file", cfg.Server.APISecret)
	}
	if cfg.Twilio.AccountSID != "AC-env" || cfg.Twilio.AuthToken != "tok-env" {
		t.Errorf("twilio credentials = %q/%q", cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	}
	if cfg.Twilio.PhoneNumber != "+15550009999" {
		t.Errorf("PhoneNumber = %q", cfg.Twilio.PhoneNumber)
	}
	if cfg.Calls.MaxConcurrent != 7 || cfg.Calls.MaxConcurrentOutgoing != 3 || cfg.Calls.MaxConcurrentIncoming != 4 {
		t.Errorf("caps = %d/%d/%d", cfg.Calls.MaxConcurrent, cfg.Calls.MaxConcurrentOutgoing, cfg.Calls.MaxConcurrentIncoming)
	}
	if cfg.Calls.MaxOutgoingSeconds != 120 || cfg.Calls.MaxIncomingSeconds != 600 {
		t.Errorf("durations = %d/%d", cfg.Calls.MaxOutgoingSeconds, cfg.Calls.MaxIncomingSeconds)
	}
	if cfg.Database.PostgresDSN != "postgres://env/callbridge" {
		t.Errorf("PostgresDSN = %q", cfg.Database.PostgresDSN)
	}
	if cfg.Provider.APIKey != "sk-env" {
		t.Errorf("Provider.APIKey = %q", cfg.Provider.APIKey)
	}
}

func TestApplyEnvOverridesProviderScopedKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("ELEVENLABS_API_KEY", "xi-key")
	t.Setenv("ELEVENLABS_AGENT_ID", "agent_42")

	cfg := &Config{}
	cfg.Provider.Name = ProviderElevenLabs
	if err := ApplyEnvOverrides(cfg); err != nil {
		t.Fatalf("ApplyEnvOverrides: %v", err)
	}
	if cfg.Provider.APIKey != "xi-key" {
		t.Errorf("APIKey = %q, want the elevenlabs key", cfg.Provider.APIKey)
	}
	if cfg.Provider.AgentID != "agent_42" {
		t.Errorf("AgentID = %q", cfg.Provider.AgentID)
	}

	cfg = &Config{}
	cfg.Provider.Name = ProviderOpenAI
	if err := ApplyEnvOverrides(cfg); err != nil {
		t.Fatalf("ApplyEnvOverrides: %v", err)
	}
	if cfg.Provider.APIKey != "sk-openai" {
		t.Errorf("APIKey = %q, want the openai key", cfg.Provider.APIKey)
	}
}

func TestApplyEnvOverridesBadInteger(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_CALLS", "lots")

	cfg := &Config{}
	err := ApplyEnvOverrides(cfg)
	if err == nil {
		t.Fatal("non-integer env value was accepted")
	}
	if !strings.Contains(err.Error(), "MAX_CONCURRENT_CALLS") {
		t.Errorf("error %q does not name the variable", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("API_SECRET", "s")
	t.Setenv("PUBLIC_URL", "https://bridge.example.com")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, defaults were not applied", cfg.Server.ListenAddr)
	}
	if cfg.Server.APISecret != "s" {
		t.Errorf("APISecret = %q", cfg.Server.APISecret)
	}
	if cfg.Calls.MaxOutgoingSeconds != 600 || cfg.Calls.MaxIncomingSeconds != 1800 {
		t.Errorf("duration caps = %d/%d, want 600/1800",
			cfg.Calls.MaxOutgoingSeconds, cfg.Calls.MaxIncomingSeconds)
	}
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides, and returns a validated [Config] with defaults
// filled in.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. Environment overrides are not applied; useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config purely from environment variables and defaults,
// for deployments that run without a config file.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overwrites cfg fields from environment variables.
// Variables take precedence over file values so deployments can keep
// secrets out of the YAML.
func ApplyEnvOverrides(cfg *Config) error {
	var errs []error

	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", name, v))
			return
		}
		*dst = n
	}

	setString("PUBLIC_URL", &cfg.Server.PublicURL)
	setString("API_SECRET", &cfg.Server.APISecret)

	setString("TWILIO_ACCOUNT_SID", &cfg.Twilio.AccountSID)
	setString("TWILIO_AUTH_TOKEN", &cfg.Twilio.AuthToken)
	setString("TWILIO_PHONE_NUMBER", &cfg.Twilio.PhoneNumber)

	setInt("MAX_CONCURRENT_CALLS", &cfg.Calls.MaxConcurrent)
	setInt("MAX_CONCURRENT_OUTGOING_CALLS", &cfg.Calls.MaxConcurrentOutgoing)
	setInt("MAX_CONCURRENT_INCOMING_CALLS", &cfg.Calls.MaxConcurrentIncoming)
	setInt("MAX_OUTGOING_CALL_DURATION", &cfg.Calls.MaxOutgoingSeconds)
	setInt("MAX_INCOMING_CALL_DURATION", &cfg.Calls.MaxIncomingSeconds)

	setString("DATABASE_URL", &cfg.Database.PostgresDSN)

	// Provider keys are scoped to the selected provider so that setting
	// both OPENAI_API_KEY and ELEVENLABS_API_KEY in one environment does
	// not clobber the active one.
	switch cfg.Provider.Name {
	case ProviderElevenLabs:
		setString("ELEVENLABS_API_KEY", &cfg.Provider.APIKey)
	default:
		setString("OPENAI_API_KEY", &cfg.Provider.APIKey)
	}
	setString("ELEVENLABS_AGENT_ID", &cfg.Provider.AgentID)

	return errors.Join(errs...)
}

// Built-in call limits, applied when neither the YAML nor the environment
// sets a value. Duration caps always default on: an unattended deployment
// must not hold a leg open indefinitely.
const (
	defaultMaxConcurrent   = 10
	defaultDirectionalCap  = 5
	defaultOutgoingSeconds = 600
	defaultIncomingSeconds = 1800
)

// applyDefaults fills zero-valued fields that have a sensible default.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = ProviderOpenAI
	}
	if cfg.Calls.MaxConcurrent == 0 {
		cfg.Calls.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Calls.MaxConcurrentOutgoing == 0 {
		cfg.Calls.MaxConcurrentOutgoing = min(defaultDirectionalCap, cfg.Calls.MaxConcurrent)
	}
	if cfg.Calls.MaxConcurrentIncoming == 0 {
		cfg.Calls.MaxConcurrentIncoming = min(defaultDirectionalCap, cfg.Calls.MaxConcurrent)
	}
	if cfg.Calls.MaxOutgoingSeconds == 0 {
		cfg.Calls.MaxOutgoingSeconds = defaultOutgoingSeconds
	}
	if cfg.Calls.MaxIncomingSeconds == 0 {
		cfg.Calls.MaxIncomingSeconds = defaultIncomingSeconds
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Provider.Name.IsValid() {
		errs = append(errs, fmt.Errorf("provider.name %q is invalid; valid values: openai, elevenlabs", cfg.Provider.Name))
	}
	if cfg.Provider.Name == ProviderElevenLabs && cfg.Provider.AgentID == "" {
		errs = append(errs, errors.New("provider.agent_id is required when provider.name is elevenlabs"))
	}

	if cfg.Calls.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("calls.max_concurrent %d is negative", cfg.Calls.MaxConcurrent))
	}
	if cfg.Calls.MaxConcurrentOutgoing < 0 {
		errs = append(errs, fmt.Errorf("calls.max_concurrent_outgoing %d is negative", cfg.Calls.MaxConcurrentOutgoing))
	}
	if cfg.Calls.MaxConcurrentIncoming < 0 {
		errs = append(errs, fmt.Errorf("calls.max_concurrent_incoming %d is negative", cfg.Calls.MaxConcurrentIncoming))
	}
	if cfg.Calls.MaxConcurrentOutgoing > cfg.Calls.MaxConcurrent {
		errs = append(errs, fmt.Errorf("calls.max_concurrent_outgoing %d exceeds calls.max_concurrent %d", cfg.Calls.MaxConcurrentOutgoing, cfg.Calls.MaxConcurrent))
	}
	if cfg.Calls.MaxConcurrentIncoming > cfg.Calls.MaxConcurrent {
		errs = append(errs, fmt.Errorf("calls.max_concurrent_incoming %d exceeds calls.max_concurrent %d", cfg.Calls.MaxConcurrentIncoming, cfg.Calls.MaxConcurrent))
	}
	if cfg.Calls.MaxOutgoingSeconds < 0 {
		errs = append(errs, fmt.Errorf("calls.max_outgoing_seconds %d is negative", cfg.Calls.MaxOutgoingSeconds))
	}
	if cfg.Calls.MaxIncomingSeconds < 0 {
		errs = append(errs, fmt.Errorf("calls.max_incoming_seconds %d is negative", cfg.Calls.MaxIncomingSeconds))
	}

	// Availability warnings: the server starts without these, with the
	// corresponding feature degraded or unavailable.
	if cfg.Server.APISecret == "" {
		slog.Warn("server.api_secret is empty; the control plane and media endpoints are unauthenticated")
	}
	if cfg.Server.PublicURL == "" {
		slog.Warn("server.public_url is empty; carrier webhooks cannot reach this server and calls will not connect")
	}
	if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" {
		slog.Warn("twilio credentials are not configured; outbound calls and call control will fail")
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; provider sessions will fail to authenticate", "provider", cfg.Provider.Name)
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; using the in-memory call store")
	}

	return errors.Join(errs...)
}

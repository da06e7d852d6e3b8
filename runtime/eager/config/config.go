// Package config loads the settings of eager runs from a YAML file with
// EAGER_* environment overrides, and derives the platform settings used by
// eager runs executing inside the cluster.
//
// Environment variables:
//
//	EAGER_ENDPOINT          - cluster frontend host:port
//	EAGER_NAMESPACE         - cluster namespace (default: "default")
//	EAGER_TASK_QUEUE        - task queue served by workers (default: "eager")
//	EAGER_INSECURE          - disable TLS ("true"/"false")
//	EAGER_AUTH_MODE         - "none" or "client_credentials"
//	EAGER_CLIENT_ID         - client credentials identifier
//	EAGER_CLIENT_SECRET     - client credentials secret
//	EAGER_CONSOLE_URL       - base URL of the cluster console
//	EAGER_POLL_ATTEMPTS     - Sync calls per wait (default: 1000)
//	EAGER_POLL_INTERVAL     - delay between Sync calls (default: "3s")
//	EAGER_SYNCS_PER_SECOND  - control plane call budget, 0 disables limiting
//	EAGER_SECRET_GROUP      - secret group holding the client secret
//	EAGER_SECRET_KEY        - secret key holding the client secret
//	EAGER_REDIS_ADDR        - Redis address of the live node stream
//	EAGER_REDIS_PASSWORD    - Redis password
//	EAGER_MONGO_URI         - MongoDB URI of the call record store
//	EAGER_LOG_FORMAT        - "json" or "terminal"
//	EAGER_DEBUG             - enable debug logs
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/eager/runtime/eager"
)

type (
	// Config holds every setting of an eager deployment.
	Config struct {
		Platform  Platform  `yaml:"platform"`
		Poll      Poll      `yaml:"poll"`
		RateLimit RateLimit `yaml:"rate_limit"`
		Secret    Secret    `yaml:"secret"`
		Stream    Stream    `yaml:"stream"`
		Records   Records   `yaml:"records"`
		Log       Log       `yaml:"log"`
	}

	// Platform locates and authenticates against the cluster.
	Platform struct {
		Endpoint     string   `yaml:"endpoint"`
		Namespace    string   `yaml:"namespace"`
		TaskQueue    string   `yaml:"task_queue"`
		Insecure     bool     `yaml:"insecure"`
		AuthMode     AuthMode `yaml:"auth_mode"`
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		ConsoleURL   string   `yaml:"console_url"`
	}

	// Poll bounds how long runs wait for executions.
	Poll struct {
		Attempts int           `yaml:"attempts"`
		Interval time.Duration `yaml:"interval"`
	}

	// RateLimit paces control plane calls. Zero disables limiting.
	RateLimit struct {
		SyncsPerSecond float64 `yaml:"syncs_per_second"`
		Burst          int     `yaml:"burst"`
	}

	// Secret names the secret holding the client credentials secret.
	Secret struct {
		Group string `yaml:"group"`
		Key   string `yaml:"key"`
	}

	// Stream configures the live node stream. Empty RedisAddr disables it.
	Stream struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		MaxLen        int    `yaml:"max_len"`
	}

	// Records configures the call record store. Empty MongoURI keeps
	// records in memory.
	Records struct {
		MongoURI   string `yaml:"mongo_uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// Log configures Clue logging.
	Log struct {
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
	}

	// AuthMode selects how clients authenticate.
	AuthMode string
)

const (
	// AuthNone connects without credentials.
	AuthNone AuthMode = "none"
	// AuthClientCredentials authenticates with a client id and secret.
	AuthClientCredentials AuthMode = "client_credentials"
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Platform: Platform{
			Endpoint:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "eager",
			AuthMode:  AuthNone,
		},
		Poll: Poll{
			Attempts: eager.DefaultPollAttempts,
			Interval: eager.DefaultPollInterval,
		},
		Records: Records{Database: "eager", Collection: "eager_call_records"},
		Log:     Log{Format: "terminal"},
	}
}

// Load reads the YAML file at path over the defaults then applies the
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	switch c.Platform.AuthMode {
	case AuthNone, AuthClientCredentials:
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Platform.AuthMode)
	}
	if c.Poll.Attempts < 0 || c.Poll.Interval < 0 {
		return errors.New("config: poll attempts and interval must not be negative")
	}
	if c.RateLimit.SyncsPerSecond < 0 {
		return errors.New("config: syncs_per_second must not be negative")
	}
	switch c.Log.Format {
	case "", "json", "terminal":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// PollPolicy returns the poll settings as an eager.PollPolicy.
func (c Config) PollPolicy() eager.PollPolicy {
	return eager.PollPolicy{Attempts: c.Poll.Attempts, Interval: c.Poll.Interval}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"EAGER_ENDPOINT":       &c.Platform.Endpoint,
		"EAGER_NAMESPACE":      &c.Platform.Namespace,
		"EAGER_TASK_QUEUE":     &c.Platform.TaskQueue,
		"EAGER_CLIENT_ID":      &c.Platform.ClientID,
		"EAGER_CLIENT_SECRET":  &c.Platform.ClientSecret,
		"EAGER_CONSOLE_URL":    &c.Platform.ConsoleURL,
		"EAGER_SECRET_GROUP":   &c.Secret.Group,
		"EAGER_SECRET_KEY":     &c.Secret.Key,
		"EAGER_REDIS_ADDR":     &c.Stream.RedisAddr,
		"EAGER_REDIS_PASSWORD": &c.Stream.RedisPassword,
		"EAGER_MONGO_URI":      &c.Records.MongoURI,
		"EAGER_LOG_FORMAT":     &c.Log.Format,
	}
	for k, p := range strs {
		if v, ok := lookup(k); ok && v != "" {
			*p = v
		}
	}
	if v, ok := lookup("EAGER_AUTH_MODE"); ok && v != "" {
		c.Platform.AuthMode = AuthMode(strings.ToLower(v))
	}
	var errs []error
	bools := map[string]*bool{"EAGER_INSECURE": &c.Platform.Insecure, "EAGER_DEBUG": &c.Log.Debug}
	for k, p := range bools {
		if v, ok := lookup(k); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
				continue
			}
			*p = b
		}
	}
	if v, ok := lookup("EAGER_POLL_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EAGER_POLL_ATTEMPTS: %w", err))
		} else {
			c.Poll.Attempts = n
		}
	}
	if v, ok := lookup("EAGER_POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EAGER_POLL_INTERVAL: %w", err))
		} else {
			c.Poll.Interval = d
		}
	}
	if v, ok := lookup("EAGER_SYNCS_PER_SECOND"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("EAGER_SYNCS_PER_SECOND: %w", err))
		} else {
			c.RateLimit.SyncsPerSecond = f
		}
	}
	return errors.Join(errs...)
}

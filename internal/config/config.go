// Package config loads runtime settings from the environment, with an
// optional YAML overlay for deployments that prefer files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrInvalid wraps every validation failure so the caller can map it to
// its configuration exit code.
var ErrInvalid = errors.New("config: invalid")

// Config is everything the runtime needs to come up.
type Config struct {
	// Identity and endpoints.
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	AuthTokenURL string `yaml:"authTokenUrl"`
	GRPCEndpoint string `yaml:"grpcEndpoint"`

	// GRPCInsecure switches the stream to plaintext transport. The
	// default is TLS; only local development setups should flip this.
	GRPCInsecure bool `yaml:"grpcInsecure"`

	// Optional base URL of the entity REST API. Empty disables the
	// entity client.
	EntityAPIURL string `yaml:"entityApiUrl"`

	// Optional Redis address for the fleet-wide event bus. Empty keeps
	// lifecycle events in-process.
	RedisAddr string `yaml:"redisAddr"`

	// Address for the local ops HTTP server (health, metrics).
	OpsAddr string `yaml:"opsAddr"`

	// Worker pools and queues.
	ProcessorConcurrency int `yaml:"processorConcurrency"`
	CriterionConcurrency int `yaml:"criterionConcurrency"`
	InboundQueueDepth    int `yaml:"inboundQueueDepth"`
	OutboxCapacity       int `yaml:"outboxCapacity"`

	// Timers, all in milliseconds on the wire.
	KeepaliveInterval       time.Duration `yaml:"-"`
	HandshakeTimeout        time.Duration `yaml:"-"`
	ProcessorDefaultTimeout time.Duration `yaml:"-"`
	CriterionDefaultTimeout time.Duration `yaml:"-"`
	ReconnectBackoffMin     time.Duration `yaml:"-"`
	ReconnectBackoffMax     time.Duration `yaml:"-"`
	DrainTimeout            time.Duration `yaml:"-"`
}

// envPrefix namespaces every variable the loader reads.
const envPrefix = "FLOWRELAY_"

// Load builds the config from the environment. When yamlPath is
// non-empty the file is read first and the environment overrides it,
// so a checked-in file can carry defaults while secrets stay in env.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		OpsAddr:              ":9090",
		ProcessorConcurrency: 32,
		CriterionConcurrency: 128,
		InboundQueueDepth:    256,
		OutboxCapacity:       1024,

		KeepaliveInterval:       30 * time.Second,
		HandshakeTimeout:        15 * time.Second,
		ProcessorDefaultTimeout: 30 * time.Second,
		CriterionDefaultTimeout: 5 * time.Second,
		ReconnectBackoffMin:     200 * time.Millisecond,
		ReconnectBackoffMax:     30 * time.Second,
		DrainTimeout:            30 * time.Second,
	}

	if yamlPath != "" {
		f, err := os.Open(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrInvalid, yamlPath, err)
		}
		err = yaml.NewDecoder(f).Decode(cfg)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, yamlPath, err)
		}
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %q is not a number", envPrefix, key, v))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %q is not a boolean", envPrefix, key, v))
			return
		}
		*dst = b
	}
	millis := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %q is not a number", envPrefix, key, v))
			return
		}
		*dst = time.Duration(n) * time.Millisecond
	}

	str("CLIENT_ID", &cfg.ClientID)
	str("CLIENT_SECRET", &cfg.ClientSecret)
	str("AUTH_TOKEN_URL", &cfg.AuthTokenURL)
	str("GRPC_ENDPOINT", &cfg.GRPCEndpoint)
	flag("GRPC_INSECURE", &cfg.GRPCInsecure)
	str("ENTITY_API_URL", &cfg.EntityAPIURL)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("OPS_ADDR", &cfg.OpsAddr)

	num("PROCESSOR_CONCURRENCY", &cfg.ProcessorConcurrency)
	num("CRITERION_CONCURRENCY", &cfg.CriterionConcurrency)
	num("INBOUND_QUEUE_DEPTH", &cfg.InboundQueueDepth)
	num("OUTBOX_CAPACITY", &cfg.OutboxCapacity)

	millis("KEEPALIVE_INTERVAL_MILLIS", &cfg.KeepaliveInterval)
	millis("HANDSHAKE_TIMEOUT_MILLIS", &cfg.HandshakeTimeout)
	millis("PROCESSOR_DEFAULT_TIMEOUT_MILLIS", &cfg.ProcessorDefaultTimeout)
	millis("CRITERION_DEFAULT_TIMEOUT_MILLIS", &cfg.CriterionDefaultTimeout)
	millis("RECONNECT_BACKOFF_MIN_MILLIS", &cfg.ReconnectBackoffMin)
	millis("RECONNECT_BACKOFF_MAX_MILLIS", &cfg.ReconnectBackoffMax)
	millis("DRAIN_TIMEOUT_MILLIS", &cfg.DrainTimeout)

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, errors.Join(errs...))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	require := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	require("clientId", c.ClientID)
	require("clientSecret", c.ClientSecret)
	require("authTokenUrl", c.AuthTokenURL)
	require("grpcEndpoint", c.GRPCEndpoint)

	if c.AuthTokenURL != "" {
		if u, err := url.Parse(c.AuthTokenURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("authTokenUrl %q is not an absolute URL", c.AuthTokenURL))
		}
	}

	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("processorConcurrency", c.ProcessorConcurrency)
	positive("criterionConcurrency", c.CriterionConcurrency)
	positive("inboundQueueDepth", c.InboundQueueDepth)
	positive("outboxCapacity", c.OutboxCapacity)

	if c.ReconnectBackoffMin > c.ReconnectBackoffMax {
		errs = append(errs, fmt.Errorf("reconnectBackoffMinMillis %v exceeds reconnectBackoffMaxMillis %v",
			c.ReconnectBackoffMin, c.ReconnectBackoffMax))
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"keepaliveIntervalMillis", c.KeepaliveInterval},
		{"handshakeTimeoutMillis", c.HandshakeTimeout},
		{"processorDefaultTimeoutMillis", c.ProcessorDefaultTimeout},
		{"criterionDefaultTimeoutMillis", c.CriterionDefaultTimeout},
		{"reconnectBackoffMinMillis", c.ReconnectBackoffMin},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.name, d.v))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	defaultLogLevel = "info"

	defaultTaxRate         = 0.08875
	defaultQuoteTimeout    = 10 * time.Second
	defaultPaymentTimeout  = 30 * time.Second
	defaultSessionTTL      = 30 * time.Minute
	defaultPruneInterval   = 5 * time.Minute
	defaultCurrency        = "USD"
	defaultUnresolvedItems = "drop"

	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200

	defaultNetSimFailureRate = 0.15
	defaultNetSimMinDelay    = 50 * time.Millisecond
	defaultNetSimMaxDelay    = 400 * time.Millisecond
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Google      GoogleConfig
	PubSub      PubSubConfig
	Stripe      StripeConfig
	Checkout    CheckoutConfig
	NetSim      NetSimConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level string
}

// GoogleConfig stores Google Cloud project settings shared by Firestore and Pub/Sub.
type GoogleConfig struct {
	ProjectID         string
	CredentialsFile   string
	FirestoreEnabled  bool
	FirestoreEmulator string
}

// PubSubConfig names the topic orders are handed to after commit.
// An empty topic disables publishing.
type PubSubConfig struct {
	OrderTopic string
}

// StripeConfig collects payment provider credentials.
type StripeConfig struct {
	APIKey string
}

// CheckoutConfig tunes the checkout state machine.
type CheckoutConfig struct {
	TaxRate         float64
	QuoteTimeout    time.Duration
	PaymentTimeout  time.Duration
	SessionTTL      time.Duration
	PruneInterval   time.Duration
	Currency        string
	UnresolvedItems string
}

// NetSimConfig drives the injected-failure network simulator used in
// development and load testing. Disabled by default.
type NetSimConfig struct {
	Enabled     bool
	FailureRate float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Seed        int64
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// EnvironmentValues returns the effective key/value environment map after applying the same
// precedence rules as Load (dotenv < OS env < explicit env map). Callers can use the result to
// initialise dependencies (e.g. the secret fetcher) before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Log: LogConfig{
			Level: strings.ToLower(stringWithDefault(lookup, "API_LOG_LEVEL", defaultLogLevel)),
		},
		Google: GoogleConfig{
			ProjectID:         stringWithDefault(lookup, "API_GOOGLE_PROJECT_ID", ""),
			CredentialsFile:   stringWithDefault(lookup, "API_GOOGLE_CREDENTIALS_FILE", ""),
			FirestoreEnabled:  boolWithDefault(lookup, "API_FIRESTORE_ENABLED", false),
			FirestoreEmulator: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			OrderTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_TOPIC", ""),
		},
		Stripe: StripeConfig{
			APIKey: stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
		},
		Checkout: CheckoutConfig{
			TaxRate:         floatWithDefault(lookup, "API_CHECKOUT_TAX_RATE", defaultTaxRate),
			QuoteTimeout:    durationWithDefault(lookup, "API_CHECKOUT_QUOTE_TIMEOUT", defaultQuoteTimeout),
			PaymentTimeout:  durationWithDefault(lookup, "API_CHECKOUT_PAYMENT_TIMEOUT", defaultPaymentTimeout),
			SessionTTL:      durationWithDefault(lookup, "API_CHECKOUT_SESSION_TTL", defaultSessionTTL),
			PruneInterval:   durationWithDefault(lookup, "API_CHECKOUT_PRUNE_INTERVAL", defaultPruneInterval),
			Currency:        strings.ToUpper(stringWithDefault(lookup, "API_CHECKOUT_CURRENCY", defaultCurrency)),
			UnresolvedItems: strings.ToLower(stringWithDefault(lookup, "API_CHECKOUT_UNRESOLVED_ITEMS", defaultUnresolvedItems)),
		},
		NetSim: NetSimConfig{
			Enabled:     boolWithDefault(lookup, "API_NETSIM_ENABLED", false),
			FailureRate: floatWithDefault(lookup, "API_NETSIM_FAILURE_RATE", defaultNetSimFailureRate),
			MinDelay:    durationWithDefault(lookup, "API_NETSIM_MIN_DELAY", defaultNetSimMinDelay),
			MaxDelay:    durationWithDefault(lookup, "API_NETSIM_MAX_DELAY", defaultNetSimMaxDelay),
			Seed:        int64WithDefault(lookup, "API_NETSIM_SEED", 0),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Resolve secrets when values reference Secret Manager.
	resolved, err := resolveSecret(ctx, cfg.Stripe.APIKey, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Stripe.APIKey = resolved

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Checkout.TaxRate < 0 || cfg.Checkout.TaxRate >= 1 {
		missing = append(missing, "Checkout.TaxRate")
	}
	if cfg.Checkout.QuoteTimeout <= 0 {
		missing = append(missing, "Checkout.QuoteTimeout")
	}
	if cfg.Checkout.PaymentTimeout <= 0 {
		missing = append(missing, "Checkout.PaymentTimeout")
	}
	if cfg.Checkout.SessionTTL <= 0 {
		missing = append(missing, "Checkout.SessionTTL")
	}
	if strings.TrimSpace(cfg.Checkout.Currency) == "" {
		missing = append(missing, "Checkout.Currency")
	}
	switch cfg.Checkout.UnresolvedItems {
	case "drop", "fail":
	default:
		missing = append(missing, "Checkout.UnresolvedItems")
	}
	if cfg.Google.FirestoreEnabled && cfg.Google.ProjectID == "" {
		missing = append(missing, "Google.ProjectID")
	}
	if cfg.NetSim.FailureRate < 0 || cfg.NetSim.FailureRate > 1 {
		missing = append(missing, "NetSim.FailureRate")
	}
	if cfg.NetSim.MaxDelay < cfg.NetSim.MinDelay {
		missing = append(missing, "NetSim.MaxDelay")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func int64WithDefault(lookup func(string) (string, bool), key string, fallback int64) int64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

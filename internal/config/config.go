package config

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/net/http/httpguts"
)

// Settings keys, shared by config files, flags and the environment
// (dots become underscores: events.http.url -> EVENTS_HTTP_URL).
const (
	KeyTimeout         = "events.http.timeout"
	KeyURL             = "events.http.url"
	HeaderPrefix       = "events.http.header."
	KeyWorkers         = "events.http.workers"
	KeyQueueSize       = "events.http.queue_size"
	KeyIdleTimeout     = "events.http.idle_timeout"
	KeyShutdownTimeout = "events.http.shutdown_timeout"
	KeyTracing         = "events.http.tracing"

	// EnvHeaderPrefix marks header settings in the environment. Underscores
	// in the remainder become dashes: EVENTS_HTTP_HEADER_X_AUTH -> X-Auth.
	EnvHeaderPrefix = "EVENTS_HTTP_HEADER_"
)

const (
	DefaultTimeoutSeconds  = 2
	DefaultURL             = "http://localhost:8000"
	DefaultWorkers         = 64
	DefaultQueueSize       = 1024
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// MaxTimeoutSeconds is the largest accepted timeout (a signed 32-bit int)
	MaxTimeoutSeconds = math.MaxInt32
)

var (
	// ErrInvalidTimeout is returned when the timeout is not a positive 32-bit integer
	ErrInvalidTimeout = errors.New("timeout must be a positive integer number of seconds")
	// ErrInvalidHeader is returned for header names or values that cannot go on the wire
	ErrInvalidHeader = errors.New("invalid header")
)

// Options enumerates every recognized dispatch setting. Zero values select
// the defaults, except TimeoutSeconds which must be positive when set.
type Options struct {
	TimeoutSeconds  int
	URL             string
	Headers         map[string]string
	Workers         int
	QueueSize       int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Tracing         bool
}

// Config is the immutable dispatch configuration. Build it with New or Load.
type Config struct {
	timeout         int
	url             string
	headers         map[string]string
	workers         int
	queueSize       int
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
	tracing         bool
}

// New validates opts, fills defaults and returns an immutable Config
func New(opts Options) (Config, error) {
	if opts.TimeoutSeconds < 0 || opts.TimeoutSeconds > MaxTimeoutSeconds {
		return Config{}, fmt.Errorf("%w: %d", ErrInvalidTimeout, opts.TimeoutSeconds)
	}
	if opts.TimeoutSeconds == 0 {
		opts.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = DefaultURL
	}
	if err := validateHeaders(opts.Headers); err != nil {
		return Config{}, err
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	return Config{
		timeout:         opts.TimeoutSeconds,
		url:             opts.URL,
		headers:         maps.Clone(opts.Headers),
		workers:         opts.Workers,
		queueSize:       opts.QueueSize,
		idleTimeout:     opts.IdleTimeout,
		shutdownTimeout: opts.ShutdownTimeout,
		tracing:         opts.Tracing,
	}, nil
}

// Timeout returns the connection timeout in seconds
func (c Config) Timeout() int { return c.timeout }

// ConnectTimeout returns the connection timeout as a duration
func (c Config) ConnectTimeout() time.Duration { return time.Duration(c.timeout) * time.Second }

// URL returns the forwarding endpoint
func (c Config) URL() string { return c.url }

// Headers returns a copy of the custom headers
func (c Config) Headers() map[string]string {
	if c.headers == nil {
		return map[string]string{}
	}
	return maps.Clone(c.headers)
}

func (c Config) Workers() int                   { return c.workers }
func (c Config) QueueSize() int                 { return c.queueSize }
func (c Config) IdleTimeout() time.Duration     { return c.idleTimeout }
func (c Config) ShutdownTimeout() time.Duration { return c.shutdownTimeout }
func (c Config) Tracing() bool                  { return c.tracing }

// SetDefaults registers defaults and environment binding on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyTimeout, strconv.Itoa(DefaultTimeoutSeconds))
	v.SetDefault(KeyURL, DefaultURL)
	v.SetDefault(KeyWorkers, DefaultWorkers)
	v.SetDefault(KeyQueueSize, DefaultQueueSize)
	v.SetDefault(KeyIdleTimeout, DefaultIdleTimeout)
	v.SetDefault(KeyShutdownTimeout, DefaultShutdownTimeout)
	v.SetDefault(KeyTracing, false)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the dispatch settings from v exactly once. A timeout that is not
// a positive integer fails with ErrInvalidTimeout.
func Load(v *viper.Viper) (Config, error) {
	raw := strings.TrimSpace(v.GetString(KeyTimeout))
	timeout := DefaultTimeoutSeconds
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxTimeoutSeconds {
			return Config{}, fmt.Errorf("%s=%q: %w", KeyTimeout, raw, ErrInvalidTimeout)
		}
		timeout = n
	}

	return New(Options{
		TimeoutSeconds:  timeout,
		URL:             v.GetString(KeyURL),
		Headers:         headersFrom(v, os.Environ()),
		Workers:         v.GetInt(KeyWorkers),
		QueueSize:       v.GetInt(KeyQueueSize),
		IdleTimeout:     v.GetDuration(KeyIdleTimeout),
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		Tracing:         v.GetBool(KeyTracing),
	})
}

// headersFrom collects every setting under HeaderPrefix, stripping the prefix.
// Environment entries are applied after viper keys.
func headersFrom(v *viper.Viper, environ []string) map[string]string {
	headers := make(map[string]string)
	for _, key := range v.AllKeys() {
		if !strings.HasPrefix(key, HeaderPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, HeaderPrefix)
		if name == "" {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = v.GetString(key)
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvHeaderPrefix) {
			continue
		}
		name := strings.ReplaceAll(strings.TrimPrefix(key, EnvHeaderPrefix), "_", "-")
		if name == "" {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = value
	}
	return headers
}

func validateHeaders(headers map[string]string) error {
	for name, value := range headers {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("%w: name %q", ErrInvalidHeader, name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("%w: value of %q", ErrInvalidHeader, name)
		}
	}
	return nil
}

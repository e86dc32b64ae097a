// Package config loads and validates the extension configuration from
// O2_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration error kinds. Match with errors.Is.
var (
	ErrMissingRequired = errors.New("missing required environment variable")
	ErrInvalidURL      = errors.New("invalid endpoint URL")
	ErrInvalidNumber   = errors.New("invalid numeric value")
)

const (
	defaultEndpoint        = "https://api.openobserve.ai"
	defaultStream          = "default"
	defaultMaxBufferSizeMB = 10
	defaultRequestTimeout  = 30_000
	defaultMaxRetries      = 3
	defaultInitialDelay    = 1_000
	defaultMaxDelay        = 30_000
)

// Config is process-wide and read-only after Load.
type Config struct {
	Endpoint       string
	OrganizationID string
	Stream         string
	Authorization  Secret

	MaxBufferBytes int

	RequestTimeout    time.Duration
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// IngestURL derives the OpenObserve JSON ingestion URL.
func (c *Config) IngestURL() string {
	return fmt.Sprintf("%s/api/%s/%s/_json",
		strings.TrimSuffix(c.Endpoint, "/"), c.OrganizationID, c.Stream)
}

// Load reads the O2_* environment surface, applies defaults and
// validates the result. The authorization header is stored as a Secret
// and never appears in returned errors.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("o2")
	v.AutomaticEnv()

	v.SetDefault("endpoint", defaultEndpoint)
	v.SetDefault("stream", defaultStream)
	v.SetDefault("max_buffer_size_mb", defaultMaxBufferSizeMB)
	v.SetDefault("request_timeout_ms", defaultRequestTimeout)
	v.SetDefault("max_retries", defaultMaxRetries)
	v.SetDefault("initial_retry_delay_ms", defaultInitialDelay)
	v.SetDefault("max_retry_delay_ms", defaultMaxDelay)

	org := strings.TrimSpace(v.GetString("organization_id"))
	if org == "" {
		return nil, fmt.Errorf("%w: O2_ORGANIZATION_ID", ErrMissingRequired)
	}
	auth := strings.TrimSpace(v.GetString("authorization_header"))
	if auth == "" {
		return nil, fmt.Errorf("%w: O2_AUTHORIZATION_HEADER", ErrMissingRequired)
	}

	endpoint := v.GetString("endpoint")
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: O2_ENDPOINT %q must be an absolute http(s) URL", ErrInvalidURL, endpoint)
	}

	stream := strings.TrimSpace(v.GetString("stream"))
	if stream == "" {
		return nil, fmt.Errorf("%w: O2_STREAM", ErrMissingRequired)
	}

	maxBufferMB, err := positiveInt(v, "max_buffer_size_mb", "O2_MAX_BUFFER_SIZE_MB")
	if err != nil {
		return nil, err
	}
	requestTimeout, err := positiveInt(v, "request_timeout_ms", "O2_REQUEST_TIMEOUT_MS")
	if err != nil {
		return nil, err
	}
	maxRetries, err := positiveInt(v, "max_retries", "O2_MAX_RETRIES")
	if err != nil {
		return nil, err
	}
	initialDelay, err := positiveInt(v, "initial_retry_delay_ms", "O2_INITIAL_RETRY_DELAY_MS")
	if err != nil {
		return nil, err
	}
	maxDelay, err := positiveInt(v, "max_retry_delay_ms", "O2_MAX_RETRY_DELAY_MS")
	if err != nil {
		return nil, err
	}

	return &Config{
		Endpoint:          endpoint,
		OrganizationID:    org,
		Stream:            stream,
		Authorization:     Secret(auth),
		MaxBufferBytes:    maxBufferMB * 1024 * 1024,
		RequestTimeout:    time.Duration(requestTimeout) * time.Millisecond,
		MaxRetries:        maxRetries,
		InitialRetryDelay: time.Duration(initialDelay) * time.Millisecond,
		MaxRetryDelay:     time.Duration(maxDelay) * time.Millisecond,
	}, nil
}

func positiveInt(v *viper.Viper, key, envName string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidNumber, envName)
	}

	return n, nil
}

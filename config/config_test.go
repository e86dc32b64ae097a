package config_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openobserve/openobserve-lambda-extension/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("O2_ORGANIZATION_ID", "my-org")
	t.Setenv("O2_AUTHORIZATION_HEADER", "Basic dXNlcjpwYXNz")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, "https://api.openobserve.ai", cfg.Endpoint)
	require.Equal(t, "my-org", cfg.OrganizationID)
	require.Equal(t, "default", cfg.Stream)
	require.Equal(t, "Basic dXNlcjpwYXNz", cfg.Authorization.Reveal())
	require.Equal(t, 10*1024*1024, cfg.MaxBufferBytes)
	require.Equal(t, "30s", cfg.RequestTimeout.String())
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, "1s", cfg.InitialRetryDelay.String())
	require.Equal(t, "30s", cfg.MaxRetryDelay.String())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("O2_ENDPOINT", "https://o2.example.com:5080/")
	t.Setenv("O2_STREAM", "lambda")
	t.Setenv("O2_MAX_BUFFER_SIZE_MB", "1")
	t.Setenv("O2_MAX_RETRIES", "5")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 1024*1024, cfg.MaxBufferBytes)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, "https://o2.example.com:5080/api/my-org/lambda/_json", cfg.IngestURL())
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("O2_ORGANIZATION_ID", "")
	t.Setenv("O2_AUTHORIZATION_HEADER", "Basic abc")

	_, err := config.Load()
	require.ErrorIs(t, err, config.ErrMissingRequired)
	require.Contains(t, err.Error(), "O2_ORGANIZATION_ID")

	t.Setenv("O2_ORGANIZATION_ID", "org")
	t.Setenv("O2_AUTHORIZATION_HEADER", "   ")
	_, err = config.Load()
	require.ErrorIs(t, err, config.ErrMissingRequired)
	require.NotContains(t, err.Error(), "Basic")
}

func TestLoadInvalidURL(t *testing.T) {
	setRequired(t)

	for _, endpoint := range []string{"not a url", "ftp://host", "/relative", "https://"} {
		t.Setenv("O2_ENDPOINT", endpoint)
		_, err := config.Load()
		require.ErrorIs(t, err, config.ErrInvalidURL, "endpoint %q", endpoint)
	}
}

func TestLoadInvalidNumber(t *testing.T) {
	setRequired(t)

	for env, value := range map[string]string{
		"O2_MAX_BUFFER_SIZE_MB":     "ten",
		"O2_REQUEST_TIMEOUT_MS":     "0",
		"O2_MAX_RETRIES":            "-1",
		"O2_INITIAL_RETRY_DELAY_MS": "1.5",
		"O2_MAX_RETRY_DELAY_MS":     "30000ms",
	} {
		t.Run(env, func(t *testing.T) {
			setRequired(t)
			t.Setenv(env, value)
			_, err := config.Load()
			require.ErrorIs(t, err, config.ErrInvalidNumber)
			require.Contains(t, err.Error(), env)
		})
	}
}

func TestSecretNeverFormats(t *testing.T) {
	s := config.Secret("Basic super-secret")

	for _, out := range []string{
		fmt.Sprint(s),
		fmt.Sprintf("%s", s),
		fmt.Sprintf("%v", s),
		fmt.Sprintf("%+v", s),
		fmt.Sprintf("%#v", s),
	} {
		require.NotContains(t, out, "super-secret")
		require.Contains(t, out, "[REDACTED]")
	}

	b, err := json.Marshal(s)
	require.NoError(t, err)
	require.JSONEq(t, `"[REDACTED]"`, string(b))

	require.Equal(t, "Basic super-secret", s.Reveal())
}

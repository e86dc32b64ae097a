package sink

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/openobserve/openobserve-lambda-extension/telemetry"
)

const healthCheckMessage = "OpenObserve Lambda Extension health check"

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthCheck ships one synthetic extension record in a single
// attempt, without the retry chain. It exercises configuration, DNS,
// TLS and credentials end to end.
func (c *Client) HealthCheck(ctx context.Context) error {
	rec := telemetry.Record{
		TimestampMicros: time.Now().UnixMicro(),
		Type:            telemetry.TypeExtension,
		Record:          []byte(fmt.Sprintf("%q", healthCheckMessage)),
	}
	payload, err := jsonFast.Marshal([]telemetry.Record{rec})
	if err != nil {
		return fmt.Errorf("could not encode health check record: %w", err)
	}

	if err := c.attempt(ctx, payload); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

package extapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TelemetryType represents a class of telemetry events.
type TelemetryType string

const (
	// TelemetryTypePlatform is runtime lifecycle events.
	TelemetryTypePlatform TelemetryType = "platform"
	// TelemetryTypeFunction is logs the function code generates.
	TelemetryTypeFunction TelemetryType = "function"
	// TelemetryTypeExtension is logs the extension code generates.
	TelemetryTypeExtension TelemetryType = "extension"
)

const telemetrySchemaVersion = "2022-07-01"

// TelemetryBuffering configures how the runtime batches events before
// pushing them. All values must stay within the AWS-defined ranges.
// https://docs.aws.amazon.com/lambda/latest/dg/telemetry-api-reference.html
type TelemetryBuffering struct {
	// MaxItems is the maximum number of events buffered in memory.
	// (minimum: 1000, maximum: 10000)
	MaxItems uint32 `json:"maxItems"`
	// MaxBytes is the maximum size in bytes of buffered events.
	// (minimum: 262144, maximum: 1048576)
	MaxBytes uint32 `json:"maxBytes"`
	// TimeoutMS is the maximum age of a batch in milliseconds.
	// (minimum: 25, maximum: 30000)
	TimeoutMS uint32 `json:"timeoutMs"`
}

type telemetryDestination struct {
	Protocol string `json:"protocol"`
	URI      string `json:"URI"`
}

// TelemetrySubscribeRequest is the body sent to the Telemetry API.
type TelemetrySubscribeRequest struct {
	SchemaVersion string               `json:"schemaVersion"`
	Types         []TelemetryType      `json:"types"`
	Buffering     *TelemetryBuffering  `json:"buffering,omitempty"`
	Destination   telemetryDestination `json:"destination"`
}

// NewTelemetrySubscribeRequest subscribes url to the given event
// classes over HTTP push.
func NewTelemetrySubscribeRequest(url string, types []TelemetryType, buffering *TelemetryBuffering) *TelemetrySubscribeRequest {
	return &TelemetrySubscribeRequest{
		SchemaVersion: telemetrySchemaVersion,
		Types:         types,
		Buffering:     buffering,
		Destination: telemetryDestination{
			Protocol: "HTTP",
			URI:      url,
		},
	}
}

// TelemetrySubscribe subscribes the extension to the runtime's
// telemetry stream. Must happen during the init phase, after Register.
// https://docs.aws.amazon.com/lambda/latest/dg/telemetry-api-reference.html
func (c *Client) TelemetrySubscribe(ctx context.Context, subscribeReq *TelemetrySubscribeRequest) error {
	body, err := json.Marshal(subscribeReq)
	if err != nil {
		return fmt.Errorf("could not json encode telemetry subscribe request: %w", err)
	}
	c.log.V(1).Info("subscribing to telemetry API", "destination", subscribeReq.Destination.URI, "types", subscribeReq.Types)

	url := fmt.Sprintf("http://%s/2022-07-01/telemetry", c.runtimeAPI)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create telemetry subscribe http request: %w", err)
	}

	if _, err := c.doRequest(req, http.StatusOK, nil); err != nil {
		return fmt.Errorf("telemetry subscribe http call failed: %w", err)
	}

	return nil
}

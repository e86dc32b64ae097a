// Package extapi is the client for the Lambda control plane: the
// Extensions API (register, event/next, error reporting) and the
// Telemetry API (subscribe).
package extapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
)

// EventType represents the type of events received from /event/next.
type EventType string

const (
	// Invoke is the lambda invoke event.
	Invoke EventType = "INVOKE"
	// Shutdown is a shutdown event for the environment.
	Shutdown EventType = "SHUTDOWN"
)

// ShutdownReason represents the reason for a shutdown event.
type ShutdownReason string

const (
	// Spindown is a normal end to a function.
	Spindown ShutdownReason = "spindown"
	// Timeout means the handler ran out of time.
	Timeout ShutdownReason = "timeout"
	// Failure is any other shutdown type, such as out-of-memory.
	Failure ShutdownReason = "failure"
)

const (
	// nameHeader identifies the extension when registering.
	nameHeader = "Lambda-Extension-Name"
	// idHeader carries the identifier required on subsequent requests.
	idHeader            = "Lambda-Extension-Identifier"
	errorTypeHeader     = "Lambda-Extension-Function-Error-Type"
	acceptFeatureHeader = "Lambda-Extension-Accept-Feature"
)

type registerRequest struct {
	Events []EventType `json:"events"`
}

// RegisterResponse is the body of the response for /register.
type RegisterResponse struct {
	FunctionName    string `json:"functionName"`
	FunctionVersion string `json:"functionVersion"`
	Handler         string `json:"handler"`
	AccountID       string `json:"accountId"`
}

// NextEventResponse is the response for /event/next.
type NextEventResponse struct {
	EventType EventType `json:"eventType"`
	// The instant the event's handling times out, as epoch milliseconds.
	DeadlineMs int64 `json:"deadlineMs"`
	// The AWS request ID, for INVOKE events.
	RequestID string `json:"requestId"`
	// The ARN of the function being invoked, for INVOKE events.
	InvokedFunctionArn string `json:"invokedFunctionArn"`
	// The reason for termination, for SHUTDOWN events.
	ShutdownReason ShutdownReason `json:"shutdownReason"`
}

// LambdaAPIError is a non-2xx answer from the control plane.
type LambdaAPIError struct {
	Type           string `json:"errorType"`
	Message        string `json:"errorMessage"`
	HTTPStatusCode int    `json:"-"`
}

func (e LambdaAPIError) Error() string {
	return fmt.Sprintf("Lambda API http_status_code=%d type=%s, message=%s", e.HTTPStatusCode, e.Type, e.Message)
}

// EnvAWSLambdaRuntimeAPI returns the host and port of the runtime API.
// https://docs.aws.amazon.com/lambda/latest/dg/configuration-envvars.html#configuration-envvars-runtime
func EnvAWSLambdaRuntimeAPI() string {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API")
}

type options struct {
	extensionName string
	runtimeAPI    string
	httpClient    *http.Client
	log           logr.Logger
}

type Option func(*options)

// WithExtensionName overrides the executable basename presented to
// the register call.
func WithExtensionName(name string) Option {
	return func(o *options) { o.extensionName = name }
}

// WithRuntimeAPI overrides the AWS_LAMBDA_RUNTIME_API address.
func WithRuntimeAPI(api string) Option {
	return func(o *options) { o.runtimeAPI = api }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) { o.httpClient = httpClient }
}

func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// Client talks to the Lambda control plane on behalf of one registered
// extension.
type Client struct {
	runtimeAPI   string
	httpClient   *http.Client
	extensionID  string
	registerResp *RegisterResponse
	log          logr.Logger
}

func (c *Client) ExtensionID() string { return c.extensionID }

func (c *Client) FunctionName() string { return c.registerResp.FunctionName }

func (c *Client) FunctionVersion() string { return c.registerResp.FunctionVersion }

func (c *Client) AccountID() string { return c.registerResp.AccountID }

// Register registers the extension for INVOKE and SHUTDOWN events and
// captures the Lambda-Extension-Identifier for subsequent calls.
func Register(ctx context.Context, opts ...Option) (*Client, error) {
	executable, _ := os.Executable()
	o := options{
		extensionName: filepath.Base(executable),
		runtimeAPI:    EnvAWSLambdaRuntimeAPI(),
		httpClient:    http.DefaultClient,
		log:           logr.FromContextOrDiscard(ctx),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runtimeAPI == "" {
		return nil, errors.New("could not find environment variable AWS_LAMBDA_RUNTIME_API")
	}

	c := &Client{
		runtimeAPI: o.runtimeAPI,
		httpClient: o.httpClient,
		log:        o.log,
	}

	body, err := json.Marshal(registerRequest{Events: []EventType{Invoke, Shutdown}})
	if err != nil {
		return nil, fmt.Errorf("could not json encode register request: %w", err)
	}
	c.log.V(1).Info("registering extension", "name", o.extensionName, "runtimeAPI", o.runtimeAPI)

	url := fmt.Sprintf("http://%s/2020-01-01/extension/register", c.runtimeAPI)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create register http request: %w", err)
	}
	req.Header.Set(nameHeader, o.extensionName)
	req.Header.Set(acceptFeatureHeader, "accountId")

	registerResp := &RegisterResponse{}
	resp, err := c.doRequest(req, http.StatusOK, registerResp)
	if err != nil {
		return nil, fmt.Errorf("register http call failed: %w", err)
	}

	c.extensionID = resp.Header.Get(idHeader)
	if c.extensionID == "" {
		return nil, fmt.Errorf("could not find extension ID in register response header %s", idHeader)
	}
	c.registerResp = registerResp
	c.log.V(1).Info("extension registered", "extensionID", c.extensionID, "functionName", registerResp.FunctionName)

	return c, nil
}

// NextEvent blocks while long polling for the next invoke or shutdown.
// The HTTP client must have no timeout: the call can legitimately
// block for the whole life of a frozen execution environment.
func (c *Client) NextEvent(ctx context.Context) (*NextEventResponse, error) {
	url := fmt.Sprintf("http://%s/2020-01-01/extension/event/next", c.runtimeAPI)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create http request for event/next: %w", err)
	}

	event := &NextEventResponse{}
	if _, err := c.doRequest(req, http.StatusOK, event); err != nil {
		return nil, fmt.Errorf("event/next call failed: %w", err)
	}
	c.log.V(1).Info("event/next response received", "eventType", event.EventType, "requestID", event.RequestID)

	return event, nil
}

// InitError reports an initialization failure to the platform.
func (c *Client) InitError(ctx context.Context, errorType string, cause error) error {
	return c.reportError(ctx, "/init/error", errorType, cause)
}

// ExitError reports a failure to the platform right before exiting.
func (c *Client) ExitError(ctx context.Context, errorType string, cause error) error {
	return c.reportError(ctx, "/exit/error", errorType, cause)
}

func (c *Client) reportError(ctx context.Context, action, errorType string, cause error) error {
	url := fmt.Sprintf("http://%s/2020-01-01/extension%s", c.runtimeAPI, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(cause.Error())))
	if err != nil {
		return fmt.Errorf("could not create http request for error reporting %s: %w", action, err)
	}
	req.Header.Set(errorTypeHeader, errorType)

	if _, err := c.doRequest(req, http.StatusAccepted, nil); err != nil {
		return fmt.Errorf("error reporting %s call failed: %w", action, err)
	}

	return nil
}

func (c *Client) doRequest(req *http.Request, wantStatus int, out interface{}) (*http.Response, error) {
	if req.Method == http.MethodPost || req.Method == http.MethodPut {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.extensionID != "" {
		req.Header.Set(idHeader, c.extensionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Error(err, "could not close http response body")
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read http response body: %w", err)
	}
	if resp.StatusCode != wantStatus {
		apiErr := LambdaAPIError{HTTPStatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return nil, fmt.Errorf("http request failed with status %s and body: %s", resp.Status, body)
		}

		return nil, apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("could not json decode http response %s: %w", body, err)
		}
	}

	return resp, nil
}

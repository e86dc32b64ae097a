package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// DecodeBatch consumes a JSON array of telemetry events from r.
// The array is scanned token by token so a large batch is never
// buffered twice. DecodeBatch drains r afterwards so the HTTP
// connection can be reused.
func DecodeBatch(ctx context.Context, r io.Reader) ([]Event, error) {
	defer func() {
		_, _ = io.Copy(io.Discard, r)
	}()

	d := json.NewDecoder(r)
	if err := readBracket(d, "["); err != nil {
		return nil, err
	}

	var events []Event
	for d.More() {
		var ev Event
		if err := d.Decode(&ev); err != nil {
			return nil, fmt.Errorf("could not decode telemetry event from json array: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("decoding was interrupted with context error: %w", ctx.Err())
		default:
		}
		events = append(events, ev)
	}
	if err := readBracket(d, "]"); err != nil {
		return nil, err
	}

	return events, nil
}

func readBracket(d *json.Decoder, want string) error {
	t, err := d.Token()
	if err != nil {
		return fmt.Errorf("malformed json array: %w", err)
	}
	delim, ok := t.(json.Delim)
	if !ok || delim.String() != want {
		return fmt.Errorf("malformed json array, want %s, got %v", want, t)
	}

	return nil
}

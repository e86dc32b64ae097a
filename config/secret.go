package config

const redacted = "[REDACTED]"

// Secret holds a credential that must never be formatted into logs,
// errors or diagnostics. All printing entry points yield a redaction
// marker; call Reveal at the single point the value goes on the wire.
type Secret string

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Reveal returns the underlying credential.
func (s Secret) Reveal() string { return string(s) }

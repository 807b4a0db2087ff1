package types

import "encoding/json"

// Secret is a holder for sensitive string material that never leaks through
// formatting, logging, or serialization.
//
// Contract:
//   - String, GoString, and Format render "[REDACTED]".
//   - MarshalJSON emits "[REDACTED]"; the plaintext is never marshaled.
//   - The only way to read the plaintext is Expose, which passes a
//     transient string to a closure and gives the reference no way to
//     outlive the call by API shape.
//   - Zeroize overwrites the backing buffer; reading after Zeroize yields
//     the empty string.
//
// Go has no destructors, so callers owning short-lived secrets should defer
// Zeroize at the acquisition site.
type Secret struct {
	value []byte
}

// Redacted is the placeholder every display and serialization path emits.
const Redacted = "[REDACTED]"

// NewSecret copies s into a new Secret. The caller should discard its own
// copy of the plaintext as soon as practical.
func NewSecret(s string) *Secret {
	return &Secret{value: []byte(s)}
}

// NewSecretFromBytes takes ownership of b; the caller must not retain b.
func NewSecretFromBytes(b []byte) *Secret {
	return &Secret{value: b}
}

// Expose passes the plaintext to fn. The string is valid only for the
// duration of the call.
func (s *Secret) Expose(fn func(plaintext string)) {
	if s == nil {
		fn("")
		return
	}
	fn(string(s.value))
}

// ExposeErr is Expose for closures that can fail.
func (s *Secret) ExposeErr(fn func(plaintext string) error) error {
	if s == nil {
		return fn("")
	}
	return fn(string(s.value))
}

// Len returns the length of the held value without exposing it.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.value)
}

// IsZero reports whether the secret holds no value.
func (s *Secret) IsZero() bool {
	return s.Len() == 0
}

// Zeroize overwrites the backing buffer. The Secret is empty afterwards.
func (s *Secret) Zeroize() {
	if s == nil {
		return
	}
	for i := range s.value {
		s.value[i] = 0
	}
	s.value = nil
}

// String implements fmt.Stringer and always redacts.
func (s *Secret) String() string { return Redacted }

// GoString implements fmt.GoStringer so %#v also redacts.
func (s *Secret) GoString() string { return Redacted }

// MarshalJSON implements json.Marshaler and always emits the redaction
// placeholder, never the plaintext.
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Redacted + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. Incoming JSON strings are
// captured as the secret value so configs can be loaded; the redaction
// placeholder itself unmarshals to an empty secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == Redacted {
		s.value = nil
		return nil
	}
	s.value = []byte(str)
	return nil
}

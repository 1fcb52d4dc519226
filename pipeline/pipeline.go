// Package pipeline implements the stack's receive/send message pipeline
// (SPEC_FULL.md §4.6-4.8): length validation, strict UTF-8 validation,
// JSON (de)serialization and ping/pong health-message filtering.
package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// Health message literals (spec.md §4.7/GLOSSARY).
const (
	PingMessage = "pi"
	PongMessage = "po"
)

// Errors mirroring spec.md §7's named error kinds.
var (
	ErrMessageTooLarge = errors.New("pipeline: message exceeds configured length limit")
	ErrInvalidUTF8     = errors.New("pipeline: payload is not valid UTF-8")
)

// Pipeline validates and (de)serializes messages flowing through the
// stack. It holds no per-connection state; one instance is shared by the
// whole stack.
type Pipeline struct {
	MsgLenLimit int

	// MessageTimeout is reserved but not enforced, matching spec.md §9's
	// explicit instruction not to invent a timeout for it.
	MessageTimeout time.Duration

	// ProcessHook is the doProcessReceived extension point: it runs on
	// every non-health decoded message before the external handler sees
	// it. The default is the identity function; no transformation is
	// invented here (spec.md §9 Open Questions).
	ProcessHook func(msg any) any
}

// New returns a Pipeline enforcing msgLenLimit, with a passthrough
// ProcessHook.
func New(msgLenLimit int) *Pipeline {
	return &Pipeline{
		MsgLenLimit: msgLenLimit,
		ProcessHook: func(msg any) any { return msg },
	}
}

// Serialize implements spec.md §4.7's serialization contract: mappings
// (anything JSON-marshalable) become compact JSON text, strings become
// their UTF-8 bytes, and []byte passes through unchanged.
func (p *Pipeline) Serialize(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// ValidateLength enforces MSG_LEN_LIMIT (spec.md §7 MessageTooLarge).
func (p *Pipeline) ValidateLength(data []byte) error {
	if p.MsgLenLimit > 0 && len(data) > p.MsgLenLimit {
		return ErrMessageTooLarge
	}
	return nil
}

// utf8Enc is shared across calls; each call creates its own Decoder via
// NewDecoder, so a package-level encoding value is enough.
var utf8Enc = unicode.UTF8

// ValidateAndDecodeUTF8 strictly decodes data as UTF-8, rejecting
// malformed sequences the way CPython's bytes.decode() raises
// UnicodeDecodeError in the original _verifyAndAppend, rather than the
// looser unicode/utf8.Valid.
func (p *Pipeline) ValidateAndDecodeUTF8(data []byte) (string, error) {
	decoded, err := utf8Enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", ErrInvalidUTF8
	}
	if !bytes.Equal(decoded, data) {
		// a strict round-trip mismatch also indicates an invalid or
		// non-canonical encoding that slipped past the decoder.
		return "", ErrInvalidUTF8
	}
	return string(decoded), nil
}

// Accept runs the full inbound validation contract for one drained
// frame: length check, then strict UTF-8 decode. On success it returns
// the decoded text; on failure it returns the error describing why the
// frame must be dropped (spec.md §4.6 "Per-frame validation").
func (p *Pipeline) Accept(data []byte) (string, error) {
	if err := p.ValidateLength(data); err != nil {
		return "", err
	}
	return p.ValidateAndDecodeUTF8(data)
}

// IsHealthMessage reports whether text is one of the two literal health
// probes, and if so whether it is the ping (true) or the pong (false).
func IsHealthMessage(text string) (isHealth bool, isPing bool) {
	switch text {
	case PingMessage:
		return true, true
	case PongMessage:
		return true, false
	default:
		return false, false
	}
}

// Deserialize JSON-decodes application payload text into a generic value
// (spec.md §4.6 "Otherwise JSON-decode the payload").
func Deserialize(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}

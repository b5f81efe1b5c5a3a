// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and
// match with errors.Is.
var (
	// Framing and decoding errors
	ErrMalformedFrame    = errors.New("meshtap: malformed frame")
	ErrMalformedEnvelope = errors.New("meshtap: malformed envelope")
	ErrFrameTooLarge     = errors.New("meshtap: frame exceeds maximum length")

	// Decryption outcomes. These never abort processing; they are carried
	// on an undecryptable DecodedMessage.
	ErrNoMatchingKey    = errors.New("meshtap: no matching key")
	ErrValidationFailed = errors.New("meshtap: decrypted payload failed validation")

	// Key material errors
	ErrMalformedKeyMaterial = errors.New("meshtap: malformed key material")
	ErrInvalidNodeID        = errors.New("meshtap: invalid node id")

	// Session errors
	ErrLinkClosed    = errors.New("meshtap: link closed")
	ErrLinkIdle      = errors.New("meshtap: link idle timeout")
	ErrSourceDrained = errors.New("meshtap: source drained")

	// Pipeline errors
	ErrPipelineStopped = errors.New("meshtap: pipeline stopped")

	// Plugin errors
	ErrPluginNotFound   = errors.New("meshtap: plugin not found")
	ErrPluginInitFailed = errors.New("meshtap: plugin init failed")

	// Configuration errors
	ErrConfigInvalid = errors.New("meshtap: invalid configuration")
)

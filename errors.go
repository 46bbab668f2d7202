package nostr

import (
	"context"
	"errors"
)

var (
	// ErrInvalidKeyFormat means an imported secret, public key or pointer is malformed.
	ErrInvalidKeyFormat = errors.New("invalid key format")

	// ErrSigningRejected means the remote signer or the extension declined the request.
	ErrSigningRejected = errors.New("signing rejected")

	// ErrSigningUnavailable means the signing backend could not be reached.
	ErrSigningUnavailable = errors.New("signing unavailable")

	// ErrEncryptionUnsupported means the backend has no NIP-44 capability.
	// Callers must stop here instead of falling back to anything weaker.
	ErrEncryptionUnsupported = errors.New("encryption unsupported by signer")

	// ErrConnectionTimeout means a bunker handshake never completed.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrRemoteIdentityMismatch means a reconnect was answered by a different remote key than the stored one.
	ErrRemoteIdentityMismatch = errors.New("remote signer identity mismatch")

	// ErrMigrationProofIncomplete means one of the two migration signatures is missing or invalid.
	ErrMigrationProofIncomplete = errors.New("migration proof incomplete")

	// ErrPublishFailed means the relay round-trip failed.
	ErrPublishFailed = errors.New("publish failed")
)

// IsRetryable reports whether err is network-shaped and safe to retry.
// Cryptographic and protocol-correctness errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidKeyFormat) ||
		errors.Is(err, ErrRemoteIdentityMismatch) ||
		errors.Is(err, ErrEncryptionUnsupported) ||
		errors.Is(err, ErrMigrationProofIncomplete) ||
		errors.Is(err, ErrSigningRejected) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrSigningUnavailable) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrPublishFailed)
}

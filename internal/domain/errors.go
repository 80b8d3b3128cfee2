package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a conversation, message or key is absent.
	ErrNotFound = errors.New("not found")

	// ErrTagMismatch signals a tampered or corrupted envelope. Never retried.
	ErrTagMismatch = errors.New("envelope: authentication tag mismatch")

	// ErrEncryptionUnavailable is matched by *EncryptionUnavailableError.
	ErrEncryptionUnavailable = errors.New("encryption unavailable")

	// ErrNetwork marks a retryable transport failure.
	ErrNetwork = errors.New("network error")

	// ErrDisconnected reports a dropped change stream.
	ErrDisconnected = errors.New("sync: disconnected")

	// ErrNotSender is returned when someone other than the original sender
	// tries to edit or delete a message.
	ErrNotSender = errors.New("only the original sender may modify this message")

	// ErrDeleted is returned when editing or reacting to a tombstone.
	ErrDeleted = errors.New("message deleted")

	// ErrLocked is returned when the key vault holds keys on disk that have
	// not been unlocked.
	ErrLocked = errors.New("key vault locked")

	// ErrWrongPassphrase is returned when the keystore cannot be opened.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

	// ErrUnauthorized is returned by the relay on a missing or bad token.
	ErrUnauthorized = errors.New("unauthorized")
)

// KeyOp names the key lifecycle step that failed.
type KeyOp string

const (
	KeyOpGenerate KeyOp = "generate"
	KeyOpPublish  KeyOp = "publish"
)

// KeyError reports a key generation or publication failure. Generation
// failures are fatal until retried; publish failures leave the keys on disk
// pending republish.
type KeyError struct {
	Op  KeyOp
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %s failed: %v", e.Op, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may try again later.
func (e *KeyError) Retryable() bool { return e.Op == KeyOpPublish }

// UnavailableReason says which side lacks keys.
type UnavailableReason string

const (
	ReasonNoLocalKeys UnavailableReason = "set up encryption first"
	ReasonPeerNoKeys  UnavailableReason = "peer hasn't enabled secure messaging"
)

// EncryptionUnavailableError is a product state rather than a fault: the
// message is refused before anything reaches the network.
type EncryptionUnavailableError struct {
	Reason UnavailableReason
	Peer   UserID
}

func (e *EncryptionUnavailableError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("encryption unavailable for %s: %s", e.Peer, e.Reason)
	}
	return "encryption unavailable: " + string(e.Reason)
}

func (e *EncryptionUnavailableError) Is(target error) bool {
	return target == ErrEncryptionUnavailable
}

// SendError wraps a submission failure. Network failures are retried by the
// outbox; a SendError reaching the caller means the retry budget is spent.
type SendError struct {
	MessageID MessageID
	Attempts  int
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed after %d attempt(s): %v", e.MessageID, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

package syncengine

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrStorageFull  = errors.New("local storage full")
	ErrOffline      = errors.New("offline")
	ErrValidation   = errors.New("validation rejected")
	ErrConflict     = errors.New("revision conflict")
	ErrClosed       = errors.New("engine closed")
)

// UnavailableError is the terminal "no cached version" state: the network
// failed and no cache entry exists for the key. It is not a server error and
// callers must be able to tell the two apart.
type UnavailableError struct {
	Key    string
	Tier   TierID
	Reason string
}

func (e *UnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("no cached version for %s", e.Key)
	}
	return fmt.Sprintf("no cached version for %s: %s", e.Key, e.Reason)
}

// RemoteError carries the remote store's HTTP-level rejection. Terminal
// reports whether the failure is a validation/conflict rejection (never
// retried automatically) as opposed to a transient network failure.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Terminal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 408 && e.StatusCode != 429
}

func (e *RemoteError) Is(target error) bool {
	if target == ErrValidation {
		return e.Terminal()
	}
	if target == ErrConflict {
		return e.StatusCode == 409
	}
	return false
}

// ConflictError is the remote store's explicit revision conflict, surfaced
// with enough context for manual resolution.
type ConflictError struct {
	ResourceKey     string
	CurrentRevision string
}

func (e *ConflictError) Error() string {
	if e.ResourceKey == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s", e.ResourceKey)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict || target == ErrValidation
}

// terminalReplayError reports whether err must not be retried automatically:
// the server understood the operation and rejected it.
func terminalReplayError(err error) bool {
	return errors.Is(err, ErrValidation)
}

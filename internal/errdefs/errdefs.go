// Package errdefs defines the error kinds shared by the resolver, the
// download engine and the orchestrator. Callers classify failures with the
// Is* helpers; the HTTP layer maps kinds to status codes.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Wrap with %w so errors.Is keeps working through
// call-site context.
var (
	// ErrNetwork indicates a transient transport failure (timeout,
	// connection reset, 5xx). Retryable by the download engine only.
	ErrNetwork = errors.New("network failure")

	// ErrBackend indicates a non-retryable backend outcome such as an
	// auth or permission failure, or a malformed response.
	ErrBackend = errors.New("backend failure")

	// ErrNotFound indicates the backend does not know the model, or a
	// local operation referenced a model with no record.
	ErrNotFound = errors.New("model not found")

	// ErrConditionViolation indicates the supplied download conditions
	// forbid the transfer (e.g. cellular restriction).
	ErrConditionViolation = errors.New("download conditions not met")

	// ErrValidation indicates the transferred bytes did not match the
	// descriptor's declared size or hash.
	ErrValidation = errors.New("downloaded file failed validation")

	// ErrStorage indicates a file or metadata I/O failure.
	ErrStorage = errors.New("storage failure")

	// ErrCancelled indicates the operation was cancelled before completion.
	ErrCancelled = errors.New("download cancelled")

	// ErrURLExpired indicates a descriptor's signed URL passed its expiry
	// before the transfer could start; the descriptor must be re-resolved.
	ErrURLExpired = errors.New("download url expired")
)

// Wrap attaches a kind to err so both survive errors.Is checks.
func Wrap(kind, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Wrapf attaches a kind to a formatted message.
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}

func IsNetwork(err error) bool            { return errors.Is(err, ErrNetwork) }
func IsBackend(err error) bool            { return errors.Is(err, ErrBackend) }
func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsConditionViolation(err error) bool { return errors.Is(err, ErrConditionViolation) }
func IsValidation(err error) bool         { return errors.Is(err, ErrValidation) }
func IsStorage(err error) bool            { return errors.Is(err, ErrStorage) }
func IsCancelled(err error) bool          { return errors.Is(err, ErrCancelled) }
func IsURLExpired(err error) bool         { return errors.Is(err, ErrURLExpired) }

package convsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/LuminPulse-AI/convsync/remote"
)

// Errors surfaced by the reconcilers. Test with errors.Is; the underlying
// remote or store error stays in the chain.
var (
	// ErrProviderUnavailable means the remote service could not be reached.
	ErrProviderUnavailable = errors.New("convsync: provider unavailable")
	// ErrRequiredDataUnavailable means a conversation, message or participant
	// the operation depends on does not exist locally or remotely.
	ErrRequiredDataUnavailable = errors.New("convsync: required data unavailable")
	// ErrDataInconsistent means cached or remote data broke an expected
	// relationship, such as a message that cannot be converted.
	ErrDataInconsistent = errors.New("convsync: data inconsistent")
)

// classify wraps err with op and, when the cause is known, the matching
// sentinel.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrRequiredDataUnavailable, err)
	case errors.Is(err, remote.ErrUnavailable):
		return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func missing(op, what string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrRequiredDataUnavailable, what)
}

func inconsistent(op, what string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrDataInconsistent, what)
}

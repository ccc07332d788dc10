package errs

import (
	"context"
	"errors"
)

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// FromContext converts a finished context into a coded error. It returns nil
// while ctx is still live.
func FromContext(ctx context.Context, msg string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if isDeadline(err) {
		return Wrap(MaxTimeMSExpired, err, msg)
	}
	return Wrap(Interrupted, err, msg)
}

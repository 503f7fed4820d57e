package inventory

import (
	"context"
	"errors"
	"time"

	apperr "mohierarchy/pkg/errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Retry retries calls that fail with CodeUnavailable using capped exponential backoff.
type Retry struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
}

// DefaultRetry is 5 attempts with delays 2s, 4s, 8s, 15s.
func DefaultRetry() Retry {
	return Retry{Attempts: 5, Initial: 2 * time.Second, Max: 15 * time.Second, Sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r Retry) delay(attempt int) time.Duration {
	d := r.Initial << attempt
	if d > r.Max || d <= 0 {
		return r.Max
	}
	return d
}

// Retryable reports whether an error kind is worth another attempt.
func Retryable(err error) bool {
	return apperr.IsCode(err, apperr.CodeUnavailable)
}

// Classify maps gRPC status errors to application codes. Other errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return apperr.Wrap(err, apperr.CodeUnavailable, "inventory unavailable")
	case codes.DeadlineExceeded:
		return apperr.Wrap(err, apperr.CodeDeadline, "inventory deadline exceeded")
	case codes.NotFound:
		return apperr.Wrap(err, apperr.CodeNotFound, "inventory object not found")
	case codes.InvalidArgument:
		return apperr.Wrap(err, apperr.CodeInvalid, "inventory rejected request")
	default:
		return apperr.Wrap(err, apperr.CodeInternal, "inventory call failed")
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error or the attempts run out.
func (r Retry) Do(ctx context.Context, log *zap.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for attempt := 0; ; attempt++ {
		err := Classify(fn(ctx))
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt+1 >= attempts {
			return err
		}
		d := r.delay(attempt)
		log.Warn("inventory call failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("backoff", d), zap.Error(err))
		if serr := sleep(ctx, d); serr != nil {
			return apperr.Wrap(err, apperr.CodeUnavailable, "retry canceled")
		}
	}
}

package notify

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// ErrRateLimited is returned when a notification is dropped by the limiter.
var ErrRateLimited = errors.New("notification rate limited")

// MultiNotifier fans a notification out to every configured notifier.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to all notifiers and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LimitedNotifier drops notifications beyond a token-bucket rate so a sweep
// where many tasks fail does not flood the receiver.
type LimitedNotifier struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewLimitedNotifier allows burst notifications, refilled one per every.
func NewLimitedNotifier(next Notifier, every time.Duration, burst int) *LimitedNotifier {
	if burst < 1 {
		burst = 1
	}
	return &LimitedNotifier{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

func (l *LimitedNotifier) Send(ctx context.Context, title, body string) error {
	if !l.limiter.Allow() {
		return ErrRateLimited
	}
	return l.next.Send(ctx, title, body)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

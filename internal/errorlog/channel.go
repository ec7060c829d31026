package errorlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dynoinc/tokenguard/internal/metrics"
)

//go:generate go tool mockgen -source=channel.go -destination=mocks/mock_channel.go -package=mocks

// Channel delivers alerts to one destination. Send returns nil only once the
// destination has accepted the alert.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

var ErrUnknownChannel = errors.New("unknown alert channel")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a Send error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delivery is the outcome of sending one alert to one channel.
type Delivery struct {
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Err       error  `json:"-"`
}

type DispatchConfig struct {
	Attempts int           `default:"3"`
	Backoff  time.Duration `default:"500ms"`
	// Timeout bounds all attempts to one channel. Zero means unbounded.
	Timeout time.Duration `default:"3s"`
}

// Dispatcher fans alerts out to the channels named by their rule.
type Dispatcher struct {
	channels map[string]Channel
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
}

func NewDispatcher(cfg DispatchConfig, m *metrics.Metrics, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[string]Channel, len(channels)),
		attempts: max(cfg.Attempts, 1),
		backoff:  cfg.Backoff,
		timeout:  cfg.Timeout,
		metrics:  m,
	}
	for _, c := range channels {
		d.channels[c.Name()] = c
	}
	return d
}

// Dispatch sends alert to every channel of its rule, in rule order, and
// reports each outcome. Failed sends are retried with linear backoff within
// the per-channel timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) []Delivery {
	out := make([]Delivery, 0, len(alert.Rule.Channels))
	for _, name := range alert.Rule.Channels {
		del := d.send(ctx, name, alert)
		d.metrics.AlertDelivery(name, del.Delivered)
		if !del.Delivered {
			slog.WarnContext(ctx, "alert delivery failed",
				"rule", alert.Rule.Name,
				"channel", name,
				"attempts", del.Attempts,
				"error", del.Err)
		}
		out = append(out, del)
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, name string, alert Alert) Delivery {
	del := Delivery{Channel: name}
	c, ok := d.channels[name]
	if !ok {
		del.Err = fmt.Errorf("%w: %s", ErrUnknownChannel, name)
		return del
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	for del.Attempts < d.attempts {
		if del.Attempts > 0 {
			if err := sleep(ctx, time.Duration(del.Attempts)*d.backoff); err != nil {
				del.Err = err
				return del
			}
		}

		del.Attempts++
		err := c.Send(ctx, alert)
		if err == nil {
			del.Delivered = true
			del.Err = nil
			return del
		}
		del.Err = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return del
		}
	}
	return del
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

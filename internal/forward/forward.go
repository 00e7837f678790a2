// Package forward relays accepted events to downstream sinks. Every sink is
// independent and best-effort: failures are logged here and go no further.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kon-rad/sentiment-alerts/internal/logevent"
)

const DefaultTimeout = 10 * time.Second

type Sink interface {
	Name() string
	Send(ctx context.Context, ev logevent.Event) error
}

type Result struct {
	Delivered int
	Failed    int
}

type Stats struct {
	Delivered int64
	Failed    int64
}

type Forwarder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

func New(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
	}
}

func (f *Forwarder) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Forward sends ev to every sink concurrently and waits for all of them.
// Cancellation of ctx is ignored so a departing client does not abort
// delivery; each sink gets its own timeout instead.
func (f *Forwarder) Forward(ctx context.Context, ev logevent.Event) Result {
	base := context.WithoutCancel(ctx)
	errs := make([]error, len(f.sinks))

	var wg sync.WaitGroup
	for i, sink := range f.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.send(base, sink, ev)
		}()
	}
	wg.Wait()

	var res Result
	for i, err := range errs {
		if err == nil {
			res.Delivered++
			continue
		}
		res.Failed++
		f.logger.Warn("forward failed",
			"sink", f.sinks[i].Name(),
			"log_id", ev.ID,
			"level", string(ev.Level),
			"error", err,
		)
	}
	f.delivered.Add(int64(res.Delivered))
	f.failed.Add(int64(res.Failed))
	return res
}

func (f *Forwarder) send(ctx context.Context, sink Sink, ev logevent.Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", sink.Name(), r)
		}
	}()
	return sink.Send(ctx, ev)
}

func (f *Forwarder) Stats() Stats {
	return Stats{
		Delivered: f.delivered.Load(),
		Failed:    f.failed.Load(),
	}
}

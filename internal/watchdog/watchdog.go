// Package watchdog keeps the systemd watchdog of the service fed as long
// as its health checks, usually pings over bus connections, succeed.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/cri-o/busconn/internal/log"
)

// Watchdog notifies systemd periodically.
type Watchdog struct {
	systemd        Systemd
	backoff        wait.Backoff
	healthCheckers []HealthCheckFn
	notifications  atomic.Uint64
}

const minInterval = time.Second

// HealthCheckFn checks the service within the given timeout.
type HealthCheckFn func(context.Context, time.Duration) error

// New creates a Watchdog running healthCheckers before every notification.
func New(healthCheckers ...HealthCheckFn) *Watchdog {
	return &Watchdog{
		systemd: DefaultSystemd(),
		backoff: wait.Backoff{
			Duration: time.Second,
			Factor:   2.0,
			Jitter:   0.1,
			Steps:    2,
		},
		healthCheckers: healthCheckers,
	}
}

// Systemd returns the service manager the watchdog notifies.
func (w *Watchdog) Systemd() Systemd {
	return w.systemd
}

// Start runs the watchdog until ctx is done. It returns right away if the
// service has no watchdog configured.
func (w *Watchdog) Start(ctx context.Context) error {
	interval, err := w.systemd.WatchdogEnabled()
	if err != nil {
		return fmt.Errorf("configure watchdog: %w", err)
	}

	switch {
	case interval == 0:
		log.Infof(ctx, "No systemd watchdog enabled")
		return nil
	case interval <= minInterval:
		return fmt.Errorf("watchdog timeout of %v should be at least %v", interval, minInterval)
	}

	// Notify twice per watchdog period.
	period := interval / 2
	log.Infof(ctx, "Starting systemd watchdog using interval: %v", period)
	go wait.Until(func() { w.tick(ctx, period) }, period, ctx.Done())
	return nil
}

func (w *Watchdog) tick(ctx context.Context, timeout time.Duration) {
	if err := w.check(ctx, timeout); err != nil {
		log.Errorf(ctx, "Will not notify watchdog because the bus is unhealthy: %v", err)
		return
	}
	if err := wait.ExponentialBackoff(w.backoff, w.notify(ctx)); err != nil {
		log.Errorf(ctx, "Failed to notify watchdog: %v", err)
	}
}

func (w *Watchdog) notify(ctx context.Context) wait.ConditionFunc {
	return func() (bool, error) {
		gotAck, err := w.systemd.Notify(daemon.SdNotifyWatchdog)
		w.notifications.Add(1)
		switch {
		case err != nil:
			log.Warnf(ctx, "Failed to notify systemd watchdog, retrying: %v", err)
			return false, nil
		case !gotAck:
			return false, errors.New("notification not supported (NOTIFY_SOCKET is unset)")
		}
		log.Debugf(ctx, "Systemd watchdog successfully notified")
		return true, nil
	}
}

// Notifications returns the number of notification attempts so far.
func (w *Watchdog) Notifications() uint64 {
	return w.notifications.Load()
}

// check runs every health check concurrently, bounded by timeout.
func (w *Watchdog) check(ctx context.Context, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, hc := range w.healthCheckers {
		hc := hc
		g.Go(func() error { return hc(gctx, timeout) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

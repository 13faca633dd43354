// Package autoscaler wakes stopped worker machines when work appears.
// It reacts to enqueue notifications (push) and reconciles against queue
// depths on a timer (pull), so a missed notification only delays a start
// by one tick.
package autoscaler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codrlabs/codr/internal/adapter/observability"
	"github.com/codrlabs/codr/internal/domain"
)

const debounceSweepInterval = 120 * time.Second

// Autoscaler drives the control plane from queue activity.
type Autoscaler struct {
	Bus      domain.UpdateBus
	Queue    domain.JobQueue
	Machines domain.MachinesAPI

	// Apps maps a language to its worker app on the control plane.
	// Languages without an entry are never scaled.
	Apps map[string]string

	Ping func(ctx context.Context) error

	TickInterval time.Duration
	Debounce     time.Duration
	HealthPing   time.Duration

	mu        sync.Mutex
	lastScale map[string]time.Time
	now       func() time.Time
}

// New builds an Autoscaler.
func New(bus domain.UpdateBus, queue domain.JobQueue, machines domain.MachinesAPI, apps map[string]string, ping func(ctx context.Context) error, tick, debounce, health time.Duration) *Autoscaler {
	return &Autoscaler{
		Bus:          bus,
		Queue:        queue,
		Machines:     machines,
		Apps:         apps,
		Ping:         ping,
		TickInterval: tick,
		Debounce:     debounce,
		HealthPing:   health,
		lastScale:    make(map[string]time.Time),
		now:          time.Now,
	}
}

// Run blocks until the context ends. Subscription loss triggers a backoff
// resubscribe; the pull tick keeps scaling alive in the meantime.
func (a *Autoscaler) Run(ctx context.Context) error {
	sub, err := a.subscribe(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	tick := time.NewTicker(a.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(debounceSweepInterval)
	defer sweep.Stop()
	health := time.NewTicker(a.HealthPing)
	defer health.Stop()

	slog.Info("autoscaler running",
		slog.Int("apps", len(a.Apps)),
		slog.Duration("tick", a.TickInterval),
		slog.Duration("debounce", a.Debounce))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				slog.Warn("notification stream lost, resubscribing")
				_ = sub.Close()
				sub, err = a.subscribe(ctx)
				if err != nil {
					return err
				}
				continue
			}
			a.onNotification(ctx, string(msg))
		case <-tick.C:
			a.pollQueues(ctx)
		case <-sweep.C:
			a.sweepDebounce()
		case <-health.C:
			if err := a.Ping(ctx); err != nil {
				slog.Warn("broker health ping failed", slog.Any("error", err))
			} else {
				slog.Debug("broker health ping ok")
			}
		}
	}
}

func (a *Autoscaler) subscribe(ctx context.Context) (domain.Subscription, error) {
	var sub domain.Subscription
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		sub, err = a.Bus.SubscribeNotifications(ctx)
		if err != nil {
			observability.BrokerRetriesTotal.Inc()
		}
		return err
	}, policy)
	return sub, err
}

// onNotification handles one enqueue signal. The payload is the language
// tag; anything unrecognized is dropped. The signal is only a hint: the
// queue depth is rechecked before any control plane traffic, since the job
// may already be consumed by the time the notification arrives.
func (a *Autoscaler) onNotification(ctx context.Context, lang string) {
	app, ok := a.Apps[lang]
	if !ok {
		slog.Debug("notification for unmanaged language", slog.String("language", lang))
		return
	}
	depths, err := a.Queue.Depths(ctx, []domain.Language{domain.Language(lang)})
	if err != nil {
		// The pull tick reconciles within one interval.
		slog.Warn("queue depth recheck failed", slog.String("language", lang), slog.Any("error", err))
		return
	}
	if depths[domain.Language(lang)] == 0 {
		slog.Debug("notification for already drained queue", slog.String("language", lang))
		return
	}
	a.maybeScale(ctx, lang, app)
}

// pollQueues reconciles machine state against current queue depths.
func (a *Autoscaler) pollQueues(ctx context.Context) {
	langs := domain.Languages()
	depths, err := a.Queue.Depths(ctx, langs)
	if err != nil {
		slog.Warn("queue depth read failed", slog.Any("error", err))
		return
	}
	for lang, depth := range depths {
		observability.QueueDepth.WithLabelValues(string(lang)).Set(float64(depth))
		if depth == 0 {
			continue
		}
		app, ok := a.Apps[string(lang)]
		if !ok {
			continue
		}
		slog.Info("pending work found on tick",
			slog.String("language", string(lang)), slog.Int64("depth", depth))
		a.maybeScale(ctx, string(lang), app)
	}
}

// maybeScale starts a machine for app unless one was started within the
// debounce window. The window opens before the control plane call so
// bursts collapse into a single start.
func (a *Autoscaler) maybeScale(ctx context.Context, lang, app string) {
	a.mu.Lock()
	if last, ok := a.lastScale[app]; ok && a.now().Sub(last) < a.Debounce {
		a.mu.Unlock()
		slog.Debug("scale debounced", slog.String("app", app))
		return
	}
	a.lastScale[app] = a.now()
	a.mu.Unlock()

	a.scaleApp(ctx, lang, app)
}

func (a *Autoscaler) scaleApp(ctx context.Context, lang, app string) {
	machines, err := a.Machines.ListMachines(ctx, app)
	if err != nil {
		slog.Error("machine list failed", slog.String("app", app), slog.Any("error", err))
		observability.MachineStartsTotal.WithLabelValues(app, "list_error").Inc()
		return
	}
	var stopped string
	for _, m := range machines {
		if m.State == domain.MachineStarted {
			slog.Debug("worker already running", slog.String("app", app), slog.String("machine", m.ID))
			observability.MachineStartsTotal.WithLabelValues(app, "already_running").Inc()
			return
		}
		if stopped == "" && m.State == domain.MachineStopped {
			stopped = m.ID
		}
	}
	if stopped == "" {
		slog.Warn("no stopped machine available", slog.String("app", app))
		observability.MachineStartsTotal.WithLabelValues(app, "no_capacity").Inc()
		return
	}
	if err := a.Machines.StartMachine(ctx, app, stopped); err != nil {
		slog.Error("machine start failed",
			slog.String("app", app), slog.String("machine", stopped), slog.Any("error", err))
		observability.MachineStartsTotal.WithLabelValues(app, "error").Inc()
		return
	}
	slog.Info("worker machine started",
		slog.String("language", lang), slog.String("app", app), slog.String("machine", stopped))
	observability.MachineStartsTotal.WithLabelValues(app, "started").Inc()
}

// sweepDebounce drops debounce entries old enough to be inert.
func (a *Autoscaler) sweepDebounce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-2 * a.Debounce)
	for app, last := range a.lastScale {
		if last.Before(cutoff) {
			delete(a.lastScale, app)
		}
	}
}

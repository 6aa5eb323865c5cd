package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier delivers one event over one channel.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Channel names a notifier for logs and metrics.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Enricher decorates a notification before delivery (e.g. pickup ETA).
type Enricher func(ctx context.Context, n *models.Notification)

// Gateway fans an event out to every channel in the background. Notify never
// blocks the caller and never fails; delivery errors are logged and counted.
type Gateway struct {
	channels []Channel
	enrich   Enricher
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewGateway(logger *slog.Logger, timeout time.Duration, channels ...Channel) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Gateway{channels: channels, timeout: timeout, logger: logger}
}

func (g *Gateway) WithEnricher(e Enricher) *Gateway {
	g.enrich = e
	return g
}

func (g *Gateway) Notify(_ context.Context, n models.Notification) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		// detached from the request: delivery may outlive it
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if g.enrich != nil {
			g.enrich(ctx, &n)
		}
		var fan sync.WaitGroup
		for _, ch := range g.channels {
			fan.Add(1)
			go func(ch Channel) {
				defer fan.Done()
				g.deliver(ctx, ch, n)
			}(ch)
		}
		fan.Wait()
	}()
	return nil
}

func (g *Gateway) deliver(ctx context.Context, ch Channel, n models.Notification) {
	if err := ch.Notifier.Notify(ctx, n); err != nil {
		observability.NotifyFailures.WithLabelValues(ch.Name).Inc()
		g.logger.Warn("notification failed",
			"channel", ch.Name, "event", n.Event, "ride_id", n.RideID, "driver_id", n.DriverID, "error", err)
		return
	}
	g.logger.Debug("notification delivered", "channel", ch.Name, "event", n.Event, "driver_id", n.DriverID)
}

// Wait blocks until in-flight deliveries finish. Used on shutdown.
func (g *Gateway) Wait() { g.wg.Wait() }

/*
scheduler.go - Automated delivery retry scheduler

PURPOSE:
  Periodically finds sales whose file never reached the buyer and asks the
  engine to redeliver them. Purchase itself never retries; this is the
  recovery path for the failed-delivery outcome.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only picks sales older than MinAge so an in-flight first attempt is
    not raced
  - Stops retrying a sale after MaxAttempts recorded attempts
  - Funds are never touched; only delivery attempts are appended

USAGE:
  scheduler := NewRedeliveryScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Redeliver endpoint (manual retry)
  - market/engine.go: Engine.Redeliver
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/market-engine/market"
)

// RedeliveryScheduler retries failed deliveries in the background.
type RedeliveryScheduler struct {
	Engine        *market.Engine
	CheckInterval time.Duration
	MinAge        time.Duration
	MaxAttempts   int
	Enabled       bool

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunSummary reports one pass of the scheduler.
type RunSummary struct {
	Checked     int
	Delivered   int
	StillFailed int
}

func NewRedeliveryScheduler(engine *market.Engine, logger *slog.Logger) *RedeliveryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedeliveryScheduler{
		Engine:        engine,
		CheckInterval: time.Minute,
		MinAge:        30 * time.Second,
		MaxAttempts:   5,
		Enabled:       true,
		logger:        logger.With("component", "redelivery"),
	}
}

// Start begins the scheduler.
func (rs *RedeliveryScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	rs.logger.Info("scheduler started", "interval", rs.CheckInterval, "max_attempts", rs.MaxAttempts)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *RedeliveryScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("scheduler stopped")
	}
}

func (rs *RedeliveryScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one pass synchronously.
func (rs *RedeliveryScheduler) RunNow(ctx context.Context) RunSummary {
	var summary RunSummary

	sales, err := rs.Engine.UndeliveredSales(ctx, rs.MinAge, rs.MaxAttempts)
	if err != nil {
		rs.logger.Error("listing undelivered sales", "error", err)
		return summary
	}

	for _, sale := range sales {
		if ctx.Err() != nil {
			break
		}
		summary.Checked++

		attempt, err := rs.Engine.Redeliver(ctx, sale.ID)
		switch {
		case err == nil:
			summary.Delivered++
			rs.logger.Info("sale redelivered", "sale_id", sale.ID, "attempt", attempt.Attempt)
		case errors.Is(err, market.ErrAlreadyDelivered):
			// delivered by a manual retry since the listing
		case errors.Is(err, market.ErrDeliveryFailed):
			summary.StillFailed++
			rs.logger.Warn("redelivery failed", "sale_id", sale.ID, "attempt", attempt.Attempt, "reason", attempt.Reason)
		default:
			rs.logger.Error("redelivery error", "sale_id", sale.ID, "error", err)
		}
	}

	if summary.Checked > 0 {
		rs.logger.Info("redelivery pass complete",
			"checked", summary.Checked, "delivered", summary.Delivered, "still_failed", summary.StillFailed)
	}
	return summary
}

// NextRunTime returns when the next scheduled check will occur.
func (rs *RedeliveryScheduler) NextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}

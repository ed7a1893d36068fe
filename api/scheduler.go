/*
scheduler.go - Automated batch job scheduler

PURPOSE:
  Periodically runs the engine's two batch jobs:
  - Credit overdue sweep (every check)
  - Slab evaluation for the most recently CLOSED month and quarter

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Both jobs are idempotent (SlabEvaluation records / per-run overdue
    state), so re-running on every tick is safe
  - Records nothing itself; the jobs own their idempotency

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewJobScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: EvaluateSlabs / SweepCredit endpoints (manual runs)
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/looppoint/loyalty-engine/rewards"
)

// JobScheduler runs the periodic batch jobs.
type JobScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewJobScheduler creates a new scheduler.
func NewJobScheduler(handler *Handler) *JobScheduler {
	return &JobScheduler{
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (js *JobScheduler) Start() {
	js.mu.Lock()
	defer js.mu.Unlock()

	if !js.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	js.ticker = time.NewTicker(js.CheckInterval)
	js.wg.Add(1)

	go js.run()

	log.Printf("[Scheduler] Started with check interval: %v", js.CheckInterval)
}

// Stop stops the scheduler.
func (js *JobScheduler) Stop() {
	js.mu.Lock()
	defer js.mu.Unlock()

	if js.ticker != nil {
		js.ticker.Stop()
		close(js.stop)
		js.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (js *JobScheduler) run() {
	defer js.wg.Done()

	// Run immediately on start
	js.checkAndProcess()

	for {
		select {
		case <-js.ticker.C:
			js.checkAndProcess()
		case <-js.stop:
			return
		}
	}
}

func (js *JobScheduler) checkAndProcess() {
	ctx := context.Background()
	now := time.Now().UTC()

	log.Printf("[Scheduler] Running batch jobs at %v", now)

	if result, err := js.Handler.Sweeper.Sweep(ctx); err != nil {
		log.Printf("[Scheduler] Credit sweep failed: %v", err)
	} else if result.Recovered > 0 || result.Failed > 0 {
		log.Printf("[Scheduler] Credit sweep: %d scanned, %d recovered (total %s), %d failed",
			result.Scanned, result.Recovered, result.Total.String(), result.Failed)
	}

	js.evaluate(ctx, rewards.PeriodMonthly, PreviousMonthLabel(now))
	js.evaluate(ctx, rewards.PeriodQuarterly, PreviousQuarterLabel(now))
}

func (js *JobScheduler) evaluate(ctx context.Context, periodType rewards.PeriodType, label string) {
	summary, err := js.Handler.Slabs.Evaluate(ctx, periodType, label)
	if err != nil {
		log.Printf("[Scheduler] Slab job %s %s failed: %v", periodType, label, err)
		return
	}
	if summary.Evaluated > 0 || summary.Failed > 0 {
		log.Printf("[Scheduler] Slab job %s %s: %d evaluated, %d awarded, %d failed",
			periodType, label, summary.Evaluated, summary.Awarded, summary.Failed)
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (js *JobScheduler) RunNow() {
	js.checkAndProcess()
}

// PreviousMonthLabel returns the label of the last closed month relative
// to now, e.g. "2025-06" during July 2025.
func PreviousMonthLabel(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -1, 0).Format("2006-01")
}

// PreviousQuarterLabel returns the label of the last closed quarter
// relative to now, e.g. "2025-Q2" during Q3 2025.
func PreviousQuarterLabel(now time.Time) string {
	quarter := (int(now.Month())-1)/3 + 1
	year := now.Year()
	quarter--
	if quarter < 1 {
		quarter = 4
		year--
	}
	return fmt.Sprintf("%d-Q%d", year, quarter)
}

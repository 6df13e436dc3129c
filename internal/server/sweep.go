package server

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"peerflow/internal/engine"
)

const sweepActor = "system:sweep"

// StartBackground launches the serve-mode background workers: the cron
// sweep scheduler and the webhook dispatcher. The returned stop function
// halts the scheduler.
func StartBackground(e engine.Engine) (func(), error) {
	c, err := startSweepScheduler(e, nil)
	if err != nil {
		return nil, err
	}
	startWebhookDispatcher(e)
	return func() { c.Stop() }, nil
}

// startSweepScheduler runs the deadline and commitment sweeps on the
// configured cron schedule while the server is up. Stop the returned cron
// to shut it down.
func startSweepScheduler(e engine.Engine, logger *log.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = log.Default()
	}
	schedule := "@every 1m"
	if e.Config != nil && e.Config.Sweep.Schedule != "" {
		schedule = e.Config.Sweep.Schedule
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		if removed, err := e.SweepCommitments(ctx, sweepActor); err != nil {
			logger.Printf("sweep: commitments failed: %v", err)
		} else if len(removed) > 0 {
			logger.Printf("sweep: removed expired commitments on %d activities", len(removed))
		}
		if moved, err := e.SweepDeadlines(ctx, sweepActor); err != nil {
			logger.Printf("sweep: deadlines failed: %v", err)
		} else if len(moved) > 0 {
			logger.Printf("sweep: advanced %d activities past deadline", len(moved))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

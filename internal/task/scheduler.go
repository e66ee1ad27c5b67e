package task

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler drives the runner on fixed intervals. External trigger calls go
// through the same runner, so the lease arbitrates between the two sources.
type Scheduler struct {
	runner            *Runner
	rebalanceInterval time.Duration
	strategyInterval  time.Duration
	log               *logrus.Entry
}

func NewScheduler(runner *Runner, rebalanceInterval, strategyInterval time.Duration) *Scheduler {
	return &Scheduler{
		runner:            runner,
		rebalanceInterval: rebalanceInterval,
		strategyInterval:  strategyInterval,
		log:               logrus.WithField("component", "scheduler"),
	}
}

// Run blocks until ctx is cancelled. An interval of zero disables that task.
func (s *Scheduler) Run(ctx context.Context) {
	var rebalanceC, strategyC <-chan time.Time
	if s.rebalanceInterval > 0 {
		ticker := time.NewTicker(s.rebalanceInterval)
		defer ticker.Stop()
		rebalanceC = ticker.C
	}
	if s.strategyInterval > 0 {
		ticker := time.NewTicker(s.strategyInterval)
		defer ticker.Stop()
		strategyC = ticker.C
	}
	if rebalanceC == nil && strategyC == nil {
		s.log.Info("no task intervals configured, scheduler idle")
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-rebalanceC:
			s.fire(ctx, TaskRebalance)
		case <-strategyC:
			s.fire(ctx, TaskStrategy)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, name string) {
	result, err := s.runner.Run(ctx, name)
	entry := s.log.WithFields(logrus.Fields{
		"task":   name,
		"status": result.Status,
		"action": string(result.Action),
		"reason": result.Reason,
	})
	if err != nil {
		entry.WithError(err).Warn("scheduled task failed")
		return
	}
	entry.Info("scheduled task finished")
}

// Package jobs schedules the background work of the referral ledger. The
// only recurring job today is the commission hold-release sweep.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/logger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/reward"
)

// CronManager manages scheduled jobs
type CronManager struct {
	cron   *cron.Cron
	reward *reward.Service
	log    logger.Logger
}

// NewCronManager creates a new cron manager
func NewCronManager(rewardService *reward.Service, log logger.Logger) *CronManager {
	return &CronManager{
		cron:   cron.New(),
		reward: rewardService,
		log:    log,
	}
}

// SetupJobs registers the release sweep on the given cron schedule
// (e.g. "@hourly").
func (cm *CronManager) SetupJobs(releaseSchedule string) error {
	_, err := cm.cron.AddFunc(releaseSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		released, err := cm.reward.ReleaseHeldCommissions(ctx)
		if err != nil {
			cm.log.Error("hold release sweep failed", "error", err)
			return
		}
		cm.log.Debug("hold release sweep done", "released", released)
	})
	if err != nil {
		return err
	}

	cm.log.Info("cron jobs configured", "release_schedule", releaseSchedule)
	return nil
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs.
func (cm *CronManager) Stop() {
	ctx := cm.cron.Stop()
	<-ctx.Done()
}

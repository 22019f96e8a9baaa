package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/waboard/waboard/internal/followup"
	"github.com/waboard/waboard/internal/store"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// StartJobs wires the periodic work: the follow-up dispatcher tick on the
// configured interval and a daily sweep of stale pairing QR codes.
func (a *Application) StartJobs(dispatcher *followup.Dispatcher, instances *store.InstanceRepository) error {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	interval := a.appConfig.Followup.TickInterval
	if interval <= 0 {
		interval = 3 * time.Minute
	}

	_, err := a.sched.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		defer func() {
			if err := recover(); err != nil {
				zap.S().Error(err)
			}
		}()
		if _, err := dispatcher.ProcessTick(context.Background(), time.Now()); err != nil {
			zap.L().Error("jobs: followup tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	_, err = a.sched.AddFunc("@daily", func() {
		defer func() {
			if err := recover(); err != nil {
				zap.S().Error(err)
			}
		}()
		cleared, err := instances.SweepExpiredQR(context.Background(), time.Now())
		if err != nil {
			zap.L().Error("jobs: qr sweep failed", zap.Error(err))
			return
		}
		if cleared > 0 {
			zap.L().Info("jobs: cleared expired qr payloads", zap.Int64("count", cleared))
		}
	})
	if err != nil {
		return err
	}

	a.sched.Start()
	zap.L().Info("jobs: scheduler started", zap.Duration("tick_interval", interval))
	return nil
}

package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"wablast/internal/blastq"
	"wablast/internal/domain"
	"wablast/internal/session"
	"wablast/internal/store"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// StartBackgroundJobs wires the periodic tasks: the scheduled-campaign
// dispatcher and the daily message-log prune.
func (a *Application) StartBackgroundJobs(bs *store.BlastStore, q *blastq.Queue) {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		a.dispatchDueCampaigns(bs, q)
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.pruneMessageLogs(bs)
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// dispatchDueCampaigns activates scheduled campaigns whose time has come and
// feeds their recipients to the delivery queue.
func (a *Application) dispatchDueCampaigns(bs *store.BlastStore, q *blastq.Queue) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx := context.Background()

	due, err := bs.DueScheduledCampaigns(ctx, time.Now())
	if err != nil {
		zap.L().Warn("app: due campaign query failed", zap.Error(err))
		return
	}
	for i := range due {
		c := &due[i]
		// The state flip is the claim; a campaign stopped meanwhile is skipped.
		if err := bs.SetRunState(ctx, c.ID, domain.RunStateActive); err != nil {
			continue
		}
		campaign, recipients, err := bs.GetCampaign(ctx, c.ID)
		if err != nil {
			zap.L().Warn("app: scheduled campaign load failed",
				zap.Error(err), zap.Int64("campaign_id", c.ID))
			continue
		}

		var media session.MediaPayload
		if campaign.MediaRef != "" {
			media, err = blastq.LoadMediaRef(campaign.MediaRef, campaign.Caption)
			if err != nil {
				zap.L().Warn("app: scheduled campaign media unreadable",
					zap.Error(err), zap.Int64("campaign_id", c.ID))
				_ = bs.SetRunState(ctx, c.ID, domain.RunStateCancelled)
				continue
			}
		}

		jobs := blastq.JobsForCampaign(campaign, recipients, media)
		q.Enqueue(jobs...)
		zap.L().Info("app: scheduled campaign dispatched",
			zap.Int64("campaign_id", c.ID),
			zap.String("tenant", campaign.TenantID),
			zap.Int("jobs", len(jobs)))
	}
}

func (a *Application) pruneMessageLogs(bs *store.BlastStore) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	days := a.appConfig.Blast.LogRetentionDays
	if days <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Hour * 24 * time.Duration(days))
	if err := bs.PruneLogs(context.Background(), cutoff); err != nil {
		zap.L().Warn("app: log prune failed", zap.Error(err))
	}
}

package blastq

import (
	"mime"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"wablast/internal/domain"
	"wablast/internal/session"
)

// LoadMediaRef reads a campaign's media attachment from disk. The payload is
// loaded once per campaign and shared by every job.
func LoadMediaRef(path, caption string) (session.MediaPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session.MediaPayload{}, errors.Wrap(err, "read media")
	}
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return session.MediaPayload{
		Data:     data,
		Mime:     mt,
		FileName: filepath.Base(path),
		Caption:  caption,
	}, nil
}

// JobsForCampaign expands a campaign into one job per recipient, in Seq
// order, carrying the campaign's pacing settings. Recipients already past
// queued (a resumed or re-dispatched campaign) are skipped.
func JobsForCampaign(c *domain.Campaign, recipients []domain.BlastRecipient, media session.MediaPayload) []Job {
	kind := KindText
	if c.MediaRef != "" {
		kind = KindMedia
	}
	delay := DelayPolicy{
		Kind:     c.DelayKind,
		FixedSec: c.DelayFixed,
		MinSec:   c.DelayMin,
		MaxSec:   c.DelayMax,
	}

	jobs := make([]Job, 0, len(recipients))
	for _, r := range recipients {
		if r.Status != domain.StatusQueued {
			continue
		}
		jobs = append(jobs, Job{
			Kind:         kind,
			TenantID:     c.TenantID,
			To:           r.Phone,
			Text:         c.Text,
			Media:        media,
			CampaignID:   c.ID,
			LogID:        r.LogID,
			Delay:        delay,
			PauseEvery:   c.PauseEvery,
			PauseSeconds: c.PauseSeconds,
		})
	}
	return jobs
}

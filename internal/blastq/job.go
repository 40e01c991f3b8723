package blastq

import (
	"math/rand"
	"time"

	"wablast/internal/session"
)

// Kind selects the channel operation for a job.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

// Delay policy kinds. Empty means the queue default window.
const (
	DelayFixed  = "fixed"
	DelayRandom = "random"
)

// DelayPolicy is the per-job pre-send pacing rule.
type DelayPolicy struct {
	Kind     string `json:"kind"`
	FixedSec int    `json:"fixed_sec"`
	MinSec   int    `json:"min_sec"`
	MaxSec   int    `json:"max_sec"`
}

// Duration resolves the policy against the queue defaults. A degenerate
// random range (min == max) always yields exactly min seconds.
func (p DelayPolicy) Duration(rng *rand.Rand, defMin, defMax time.Duration) time.Duration {
	switch p.Kind {
	case DelayFixed:
		return time.Duration(p.FixedSec) * time.Second
	case DelayRandom:
		min, max := p.MinSec, p.MaxSec
		if max < min {
			min, max = max, min
		}
		if max == min {
			return time.Duration(min) * time.Second
		}
		return time.Duration(min+rng.Intn(max-min+1)) * time.Second
	}
	if defMax <= defMin {
		return defMin
	}
	return defMin + time.Duration(rng.Int63n(int64(defMax-defMin)))
}

// Job is one transient, queue-only unit of work: send one message to one
// recipient. Jobs are never persisted; a restart drops whatever is queued.
type Job struct {
	Kind     Kind
	TenantID string
	To       string

	Text  string
	Media session.MediaPayload

	CampaignID int64
	LogID      int64

	Delay        DelayPolicy
	PauseEvery   int
	PauseSeconds int
}

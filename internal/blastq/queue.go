package blastq

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wablast/internal/domain"
	"wablast/internal/metrics"
	"wablast/internal/session"
	"wablast/internal/store"
)

// Sender is the channel operation surface the queue invokes; implemented by
// the session manager. The sender records success state synchronously, so
// the queue only writes failure and cancellation outcomes.
type Sender interface {
	SendText(ctx context.Context, tenantID, to, text string, meta session.SendMeta) (string, error)
	SendMedia(ctx context.Context, tenantID, to string, media session.MediaPayload, meta session.SendMeta) (string, error)
}

// CampaignStore is the run-state and outcome surface the queue needs.
type CampaignStore interface {
	CampaignRunState(ctx context.Context, id int64) (string, error)
	MarkFailed(ctx context.Context, campaignID, logID int64, code, message string) error
	MarkCancelled(ctx context.Context, campaignID, logID int64) error
}

// Options tune queue pacing. The zero value is completed with production
// defaults; tests shrink the intervals to near zero.
type Options struct {
	// PausePoll is how long the worker waits before re-checking a paused
	// campaign. The whole queue blocks during the wait: pacing is
	// campaign-oriented and the queue is shared.
	PausePoll time.Duration
	// Default per-job delay window for jobs without a policy.
	DefaultDelayMin time.Duration
	DefaultDelayMax time.Duration
	// Limiter is the global floor under all per-job delays; a token is
	// taken immediately before every channel call.
	Limiter *rate.Limiter
}

func (o *Options) complete() {
	if o.PausePoll <= 0 {
		o.PausePoll = 3 * time.Second
	}
	if o.DefaultDelayMin <= 0 {
		o.DefaultDelayMin = 1500 * time.Millisecond
	}
	if o.DefaultDelayMax <= o.DefaultDelayMin {
		o.DefaultDelayMax = o.DefaultDelayMin + 2500*time.Millisecond
	}
}

// Queue converts enqueued jobs into paced, cancellable channel operations.
// A single worker drains the FIFO; enqueuing is safe from any goroutine.
// At most one job is mid-flight at a time, globally, across all tenants.
type Queue struct {
	store  CampaignStore
	sender Sender
	opts   Options

	mu      sync.Mutex
	jobs    []Job
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// worker-only state: pacing-group bookkeeping and the delay rng
	rng          *rand.Rand
	lastCampaign int64
	sentInRun    int
}

func NewQueue(store CampaignStore, sender Sender, opts Options) *Queue {
	opts.complete()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:  store,
		sender: sender,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue appends jobs in order and wakes the worker if it is idle.
func (q *Queue) Enqueue(jobs ...Job) {
	if len(jobs) == 0 {
		return
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, jobs...)
	depth := len(q.jobs)
	start := !q.running
	if start {
		q.running = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	if start {
		go q.work()
	}
}

// Depth reports how many jobs are waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Shutdown stops the worker after the in-flight job finishes. Queued jobs
// are abandoned; there is no persisted recovery log.
func (q *Queue) Shutdown() {
	q.cancel()
	q.wg.Wait()
	zap.L().Info("blastq: queue shut down", zap.Int("abandoned", q.Depth()))
}

func (q *Queue) work() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.ctx.Err() != nil || len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		depth := len(q.jobs)
		q.mu.Unlock()
		metrics.QueueDepth.Set(float64(depth))

		q.process(job)
	}
}

func (q *Queue) requeueFront(job Job) {
	q.mu.Lock()
	q.jobs = append([]Job{job}, q.jobs...)
	depth := len(q.jobs)
	q.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))
}

// sleep waits for d, interruptible only by queue shutdown. Returns false
// when the queue is shutting down.
func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// runState resolves the campaign state for a checkpoint. The bool is false
// when the job should be dropped outright (campaign gone or lookup failed).
func (q *Queue) runState(job Job) (string, bool) {
	state, err := q.store.CampaignRunState(q.ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrCampaignGone) {
			zap.L().Debug("blastq: campaign gone, dropping job",
				zap.Int64("campaign_id", job.CampaignID))
		} else {
			zap.L().Warn("blastq: run-state lookup failed, dropping job",
				zap.Error(err), zap.Int64("campaign_id", job.CampaignID))
		}
		metrics.JobsProcessed.WithLabelValues("dropped").Inc()
		return "", false
	}
	return state, true
}

func (q *Queue) cancelJob(job Job) {
	if err := q.store.MarkCancelled(q.ctx, job.CampaignID, job.LogID); err != nil {
		zap.L().Warn("blastq: cancel write failed",
			zap.Error(err), zap.Int64("log_id", job.LogID))
	}
	metrics.JobsProcessed.WithLabelValues("cancelled").Inc()
}

// process runs one job through the checkpoint ladder: dequeue check, pacing
// delay, post-delay check, pre-send check, send, post-send throttle.
func (q *Queue) process(job Job) {
	state, ok := q.runState(job)
	if !ok {
		return
	}
	if state == domain.RunStatePaused {
		// Hold the job (and everything behind it) until the campaign
		// resumes; the paused campaign is re-polled, not interrupted.
		q.requeueFront(job)
		q.sleep(q.opts.PausePoll)
		return
	}
	if domain.IsTerminalRunState(state) {
		q.cancelJob(job)
		return
	}

	if job.CampaignID != q.lastCampaign {
		q.lastCampaign = job.CampaignID
		q.sentInRun = 0
	}

	delay := job.Delay.Duration(q.rng, q.opts.DefaultDelayMin, q.opts.DefaultDelayMax)
	if !q.sleep(delay) {
		return
	}

	// The campaign may have been stopped or cancelled during the wait.
	state, ok = q.runState(job)
	if !ok {
		return
	}
	if domain.IsTerminalRunState(state) {
		q.cancelJob(job)
		return
	}

	// Last look immediately before invoking the channel.
	state, ok = q.runState(job)
	if !ok {
		return
	}
	if domain.IsTerminalRunState(state) {
		q.cancelJob(job)
		return
	}

	if q.opts.Limiter != nil {
		if err := q.opts.Limiter.Wait(q.ctx); err != nil {
			return
		}
	}

	meta := session.SendMeta{CampaignID: job.CampaignID, LogID: job.LogID}
	var waMsgID string
	var err error
	switch job.Kind {
	case KindMedia:
		waMsgID, err = q.sender.SendMedia(q.ctx, job.TenantID, job.To, job.Media, meta)
	default:
		waMsgID, err = q.sender.SendText(q.ctx, job.TenantID, job.To, job.Text, meta)
	}
	if err != nil {
		if werr := q.store.MarkFailed(q.ctx, job.CampaignID, job.LogID, "SEND_FAILED", err.Error()); werr != nil {
			zap.L().Warn("blastq: failure write failed",
				zap.Error(werr), zap.Int64("log_id", job.LogID))
		}
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		zap.L().Warn("blastq: send failed",
			zap.Error(err),
			zap.String("tenant", job.TenantID),
			zap.Int64("campaign_id", job.CampaignID))
		return
	}

	metrics.JobsProcessed.WithLabelValues("sent").Inc()
	zap.L().Debug("blastq: job sent",
		zap.String("tenant", job.TenantID),
		zap.Int64("campaign_id", job.CampaignID),
		zap.String("wa_msg_id", waMsgID))

	// Anti-abuse throttle: after every Nth successful send within the same
	// campaign, hold the worker before continuing.
	q.sentInRun++
	if job.PauseEvery > 0 && q.sentInRun%job.PauseEvery == 0 {
		q.sleep(time.Duration(job.PauseSeconds) * time.Second)
	}
}

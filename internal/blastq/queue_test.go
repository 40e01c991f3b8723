package blastq

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"wablast/internal/domain"
	"wablast/internal/metrics"
	"wablast/internal/session"
	"wablast/internal/store"
)

type sentRecord struct {
	TenantID string
	To       string
	Text     string
	Kind     Kind
	LogID    int64
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentRecord
	err  error
}

func (f *fakeSender) SendText(ctx context.Context, tenantID, to, text string, meta session.SendMeta) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentRecord{TenantID: tenantID, To: to, Text: text, Kind: KindText, LogID: meta.LogID})
	return "WAMSG", nil
}

func (f *fakeSender) SendMedia(ctx context.Context, tenantID, to string, media session.MediaPayload, meta session.SendMeta) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentRecord{TenantID: tenantID, To: to, Kind: KindMedia, LogID: meta.LogID})
	return "WAMSG", nil
}

func (f *fakeSender) records() []sentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentRecord, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeCampaignStore struct {
	mu        sync.Mutex
	state     map[int64]string
	failed    []int64
	cancelled []int64
	// flipAfter, when positive, counts run-state lookups down and then
	// switches the campaign to flipTo.
	flipAfter int
	flipTo    string
	flipID    int64
}

func newFakeCampaignStore() *fakeCampaignStore {
	return &fakeCampaignStore{state: map[int64]string{}}
}

func (f *fakeCampaignStore) CampaignRunState(ctx context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flipAfter > 0 && id == f.flipID {
		f.flipAfter--
		if f.flipAfter == 0 {
			f.state[id] = f.flipTo
		}
	}
	state, ok := f.state[id]
	if !ok {
		return "", store.ErrCampaignGone
	}
	return state, nil
}

func (f *fakeCampaignStore) setState(id int64, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[id] = state
}

func (f *fakeCampaignStore) MarkFailed(ctx context.Context, campaignID, logID int64, code, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, logID)
	return nil
}

func (f *fakeCampaignStore) MarkCancelled(ctx context.Context, campaignID, logID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, logID)
	return nil
}

func (f *fakeCampaignStore) cancelledIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

func (f *fakeCampaignStore) failedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.failed))
	copy(out, f.failed)
	return out
}

func testOptions() Options {
	return Options{
		PausePoll:       10 * time.Millisecond,
		DefaultDelayMin: time.Millisecond,
		DefaultDelayMax: 2 * time.Millisecond,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func textJob(campaignID, logID int64, to string) Job {
	return Job{
		Kind:       KindText,
		TenantID:   "t1",
		To:         to,
		Text:       "hello",
		CampaignID: campaignID,
		LogID:      logID,
		Delay:      DelayPolicy{Kind: DelayFixed, FixedSec: 0},
	}
}

func TestQueueSendsJobsInOrder(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStateActive)
	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	q.Enqueue(textJob(1, 101, "628111"), textJob(1, 102, "628222"), textJob(1, 103, "628333"))

	waitUntil(t, 2*time.Second, func() bool { return len(sender.records()) == 3 })
	got := sender.records()
	want := []int64{101, 102, 103}
	for i, rec := range got {
		if rec.LogID != want[i] {
			t.Fatalf("out of order send: got %v at %d, want %v", rec.LogID, i, want[i])
		}
	}
}

func TestPausedCampaignHoldsJobsThenResumes(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStatePaused)
	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	q.Enqueue(textJob(1, 101, "628111"), textJob(1, 102, "628222"))

	// A paused campaign must neither send nor cancel while it polls.
	time.Sleep(60 * time.Millisecond)
	if n := len(sender.records()); n != 0 {
		t.Fatalf("paused campaign sent %d jobs", n)
	}
	if n := len(cs.cancelledIDs()); n != 0 {
		t.Fatalf("paused campaign cancelled %d jobs", n)
	}
	cs.setState(1, domain.RunStateActive)
	waitUntil(t, 2*time.Second, func() bool { return len(sender.records()) == 2 })
	got := sender.records()
	if got[0].LogID != 101 || got[1].LogID != 102 {
		t.Fatalf("resume broke ordering: %+v", got)
	}
}

func TestPausedRequeueKeepsDepthGaugeCurrent(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStatePaused)
	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	q.Enqueue(textJob(1, 101, "628111"))

	// The held job is pushed back to the front, so the depth gauge must keep
	// reporting it for the whole poll wait.
	waitUntil(t, 2*time.Second, func() bool {
		return q.Depth() == 1 && testutil.ToFloat64(metrics.QueueDepth) == 1
	})
	cs.setState(1, domain.RunStateActive)
	waitUntil(t, 2*time.Second, func() bool {
		return len(sender.records()) == 1 && testutil.ToFloat64(metrics.QueueDepth) == 0
	})
}

func TestStoppedCampaignCancelsQueuedJobs(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStateStopped)
	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	q.Enqueue(textJob(1, 101, "628111"), textJob(1, 102, "628222"))

	waitUntil(t, 2*time.Second, func() bool { return len(cs.cancelledIDs()) == 2 })
	if n := len(sender.records()); n != 0 {
		t.Fatalf("stopped campaign sent %d jobs", n)
	}
}

func TestStopDuringDelayCancelsBeforeSend(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStateActive)
	// First lookup (dequeue) sees active; the campaign flips to stopped
	// before the post-delay re-check.
	cs.flipID = 1
	cs.flipAfter = 2
	cs.flipTo = domain.RunStateStopped

	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	q.Enqueue(textJob(1, 101, "628111"))

	waitUntil(t, 2*time.Second, func() bool { return len(cs.cancelledIDs()) == 1 })
	if n := len(sender.records()); n != 0 {
		t.Fatalf("job sent despite stop during delay")
	}
}

func TestSendFailureMarksFailedAndContinues(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStateActive)
	sender := &fakeSender{err: context.DeadlineExceeded}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	q.Enqueue(textJob(1, 101, "628111"), textJob(1, 102, "628222"))

	waitUntil(t, 2*time.Second, func() bool { return len(cs.failedIDs()) == 2 })
	if n := len(sender.records()); n != 0 {
		t.Fatalf("failed sender produced %d sends", n)
	}
}

func TestMissingCampaignDropsJobSilently(t *testing.T) {
	cs := newFakeCampaignStore()
	// campaign 9 never registered
	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	q.Enqueue(textJob(9, 901, "628111"))

	waitUntil(t, 2*time.Second, func() bool { return q.Depth() == 0 })
	time.Sleep(20 * time.Millisecond)
	if len(sender.records()) != 0 || len(cs.failedIDs()) != 0 || len(cs.cancelledIDs()) != 0 {
		t.Fatalf("dropped job left traces: sent=%d failed=%d cancelled=%d",
			len(sender.records()), len(cs.failedIDs()), len(cs.cancelledIDs()))
	}
}

func TestPauseEveryThrottlesAfterNthSend(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStateActive)
	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	jobs := make([]Job, 0, 3)
	for i := int64(1); i <= 3; i++ {
		j := textJob(1, 100+i, "628111")
		j.PauseEvery = 2
		j.PauseSeconds = 1
		jobs = append(jobs, j)
	}

	start := time.Now()
	q.Enqueue(jobs...)
	waitUntil(t, 5*time.Second, func() bool { return len(sender.records()) == 3 })

	// One pause fires after the second send; the third send must land at
	// least a pause-length after start.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("expected pause-every hold, finished in %v", elapsed)
	}
}

func TestInterleavedCampaignsKeepPerCampaignOrder(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStateActive)
	cs.setState(2, domain.RunStateActive)
	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())
	defer q.Shutdown()

	q.Enqueue(
		textJob(1, 101, "a"), textJob(2, 201, "b"),
		textJob(1, 102, "c"), textJob(2, 202, "d"),
	)

	waitUntil(t, 2*time.Second, func() bool { return len(sender.records()) == 4 })
	var c1, c2 []int64
	for _, rec := range sender.records() {
		if rec.LogID >= 200 {
			c2 = append(c2, rec.LogID)
		} else {
			c1 = append(c1, rec.LogID)
		}
	}
	if c1[0] != 101 || c1[1] != 102 {
		t.Fatalf("campaign 1 order broken: %v", c1)
	}
	if c2[0] != 201 || c2[1] != 202 {
		t.Fatalf("campaign 2 order broken: %v", c2)
	}
}

func TestDelayPolicyDuration(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	defMin := 1500 * time.Millisecond
	defMax := 4 * time.Second

	fixed := DelayPolicy{Kind: DelayFixed, FixedSec: 2}
	if d := fixed.Duration(rng, defMin, defMax); d != 2*time.Second {
		t.Fatalf("fixed: got %v", d)
	}

	// Degenerate random range resolves to exactly min.
	degenerate := DelayPolicy{Kind: DelayRandom, MinSec: 2, MaxSec: 2}
	for i := 0; i < 10; i++ {
		if d := degenerate.Duration(rng, defMin, defMax); d != 2*time.Second {
			t.Fatalf("degenerate random: got %v", d)
		}
	}

	swapped := DelayPolicy{Kind: DelayRandom, MinSec: 5, MaxSec: 2}
	for i := 0; i < 20; i++ {
		d := swapped.Duration(rng, defMin, defMax)
		if d < 2*time.Second || d > 5*time.Second {
			t.Fatalf("swapped random out of range: got %v", d)
		}
	}

	var none DelayPolicy
	for i := 0; i < 20; i++ {
		d := none.Duration(rng, defMin, defMax)
		if d < defMin || d >= defMax {
			t.Fatalf("default window out of range: got %v", d)
		}
	}
}

func TestShutdownStopsWorker(t *testing.T) {
	cs := newFakeCampaignStore()
	cs.setState(1, domain.RunStatePaused)
	sender := &fakeSender{}
	q := NewQueue(cs, sender, testOptions())

	q.Enqueue(textJob(1, 101, "628111"))
	time.Sleep(20 * time.Millisecond)
	q.Shutdown()

	if n := len(sender.records()); n != 0 {
		t.Fatalf("shutdown queue sent %d jobs", n)
	}
}

package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

// step 一轮的脚本：listErr 非空则列目录失败，否则 failed 中的商品失败
type step struct {
	listErr error
	failed  map[string]bool
}

type scriptedRefresher struct {
	mu        sync.Mutex
	products  []model.ProductRef
	steps     []step
	cycle     int
	refreshed [][]string
}

func (r *scriptedRefresher) current() step {
	if r.cycle < len(r.steps) {
		return r.steps[r.cycle]
	}
	return step{}
}

func (r *scriptedRefresher) ListProducts(ctx context.Context) ([]model.ProductRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.current()
	if st.listErr != nil {
		r.cycle++
		return nil, st.listErr
	}
	return r.products, nil
}

func (r *scriptedRefresher) RefreshAll(ctx context.Context, ids []string) model.RefreshReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.current()
	r.cycle++
	r.refreshed = append(r.refreshed, ids)

	rep := model.RefreshReport{Failed: map[string]string{}}
	for i, id := range ids {
		if ctx.Err() != nil {
			rep.Skipped = append(rep.Skipped, ids[i:]...)
			break
		}
		if st.failed[id] {
			rep.Failed[id] = "predictor down"
			continue
		}
		rep.Succeeded = append(rep.Succeeded, id)
	}
	return rep
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []port.Envelope
}

func (p *recordingPublisher) Broadcast(msg port.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return 1
}

func (p *recordingPublisher) BroadcastTopic(topic string, msg port.Envelope) int {
	return p.Broadcast(msg)
}

type cycleRecorder struct {
	port.NopRecorder
	mu       sync.Mutex
	outcomes []string
}

func (r *cycleRecorder) RefreshCycle(outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

// instantAfter 记录每次睡眠时长并立即唤醒
type instantAfter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (a *instantAfter) After(d time.Duration) <-chan time.Time {
	a.mu.Lock()
	a.delays = append(a.delays, d)
	a.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func products(ids ...string) []model.ProductRef {
	out := make([]model.ProductRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.ProductRef{ID: id, BasePrice: 100})
	}
	return out
}

func testConfig() Config {
	return Config{Interval: 30 * time.Minute, BackoffInitial: 5 * time.Minute, BackoffMax: 20 * time.Minute}
}

// runCycles runs the scheduler until n cycles completed.
func runCycles(t *testing.T, s *Scheduler, n int, cycles *[]Cycle) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.deps.Observer = func(c Cycle) {
		*cycles = append(*cycles, c)
		if len(*cycles) == n {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, StateStopped, s.State())
}

func TestSchedulerSleepsIntervalAfterGoodCycle(t *testing.T) {
	ref := &scriptedRefresher{products: products("saffron", "pepper")}
	pub := &recordingPublisher{}
	rec := &cycleRecorder{}
	after := &instantAfter{}
	s, err := NewScheduler(testConfig(), Deps{Refresher: ref, Publisher: pub, Recorder: rec, After: after.After})
	require.NoError(t, err)

	var cycles []Cycle
	runCycles(t, s, 3, &cycles)

	require.Len(t, cycles, 3)
	for _, c := range cycles {
		assert.Equal(t, OutcomeOK, c.Outcome)
		assert.Equal(t, []string{"saffron", "pepper"}, c.Report.Succeeded)
	}
	assert.Equal(t, []time.Duration{30 * time.Minute, 30 * time.Minute}, after.delays)
	assert.Equal(t, []string{OutcomeOK, OutcomeOK, OutcomeOK}, rec.outcomes)

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, port.MsgRefreshSummary, pub.msgs[0].Type)
	sum, ok := pub.msgs[0].Data.(Summary)
	require.True(t, ok)
	assert.Equal(t, 2, sum.Succeeded)
}

func TestSchedulerBacksOffOnFailureAndResets(t *testing.T) {
	all := map[string]bool{"saffron": true, "pepper": true}
	ref := &scriptedRefresher{
		products: products("saffron", "pepper"),
		steps: []step{
			{listErr: errors.New("db down")},
			{failed: all},
			{failed: all},
			{},
			{listErr: errors.New("db down again")},
		},
	}
	after := &instantAfter{}
	s, err := NewScheduler(testConfig(), Deps{Refresher: ref, After: after.After})
	require.NoError(t, err)

	var cycles []Cycle
	runCycles(t, s, 5, &cycles)

	outcomes := make([]string, 0, len(cycles))
	for _, c := range cycles {
		outcomes = append(outcomes, c.Outcome)
	}
	assert.Equal(t, []string{OutcomeListError, OutcomeFailed, OutcomeFailed, OutcomeOK, OutcomeListError}, outcomes)
	require.Len(t, after.delays, 4)

	// 5m ±10%, then roughly doubling, never reaching the interval
	assert.InDelta(t, float64(5*time.Minute), float64(after.delays[0]), float64(30*time.Second))
	assert.Greater(t, after.delays[1], after.delays[0])
	assert.LessOrEqual(t, after.delays[2], 20*time.Minute)
	assert.Equal(t, 30*time.Minute, after.delays[3])
	for _, d := range after.delays {
		assert.LessOrEqual(t, d, 30*time.Minute)
	}
	assert.Error(t, cycles[0].Err)
}

func TestSchedulerPartialFailureIsNotBackoff(t *testing.T) {
	ref := &scriptedRefresher{
		products: products("saffron", "pepper"),
		steps:    []step{{failed: map[string]bool{"pepper": true}}},
	}
	after := &instantAfter{}
	s, err := NewScheduler(testConfig(), Deps{Refresher: ref, After: after.After})
	require.NoError(t, err)

	var cycles []Cycle
	runCycles(t, s, 2, &cycles)

	assert.Equal(t, OutcomePartial, cycles[0].Outcome)
	assert.Equal(t, "predictor down", cycles[0].Report.Failed["pepper"])
	assert.Equal(t, []time.Duration{30 * time.Minute}, after.delays)
}

func TestSchedulerStopsWhileSleeping(t *testing.T) {
	ref := &scriptedRefresher{products: products("saffron")}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewScheduler(testConfig(), Deps{
		Refresher: ref,
		Observer:  func(Cycle) {},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.State() == StateSleeping }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, StateStopped, s.State())
}

func TestRunOnceEmptyCatalog(t *testing.T) {
	ref := &scriptedRefresher{}
	s, err := NewScheduler(testConfig(), Deps{Refresher: ref})
	require.NoError(t, err)

	c := s.RunOnce(context.Background())

	assert.Equal(t, OutcomeEmpty, c.Outcome)
	assert.False(t, c.needsBackoff())
}

func TestNewSchedulerRejectsLongBackoff(t *testing.T) {
	_, err := NewScheduler(Config{Interval: time.Minute, BackoffMax: time.Minute}, Deps{Refresher: &scriptedRefresher{}})
	assert.Error(t, err)

	_, err = NewScheduler(testConfig(), Deps{})
	assert.Error(t, err)
}

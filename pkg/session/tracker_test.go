//nolint:funlen // ok for tests
package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"

	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/options"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/paint"
)

type provisionCall struct {
	UserID int
	Plan   paint.Plan
}

type fakeProvisioner struct {
	mu       sync.Mutex
	calls    []provisionCall
	removed  [][]int
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
	panicFor int
}

//nolint:whitespace // editor/linter issue
func (f *fakeProvisioner) Provision(
	ctx context.Context, d model.ParticipantDescriptor, plan paint.Plan,
) paint.Result {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.panicFor != 0 && d.UserID == f.panicFor {
		panic("boom")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, provisionCall{UserID: d.UserID, Plan: plan})
	return paint.Result{Copied: []paint.Category{paint.CategoryCar}}
}

func (f *fakeProvisioner) RemoveWritten(keep ...int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, keep)
	return 0, nil
}

func (f *fakeProvisioner) userIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make([]int, 0, len(f.calls))
	for _, c := range f.calls {
		ret = append(ret, c.UserID)
	}
	return ret
}

func (f *fakeProvisioner) plans() []paint.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make([]paint.Plan, 0, len(f.calls))
	for _, c := range f.calls {
		ret = append(ret, c.Plan)
	}
	return ret
}

type fakeQueue struct {
	mu   sync.Mutex
	reqs []model.ReloadRequest
}

func (q *fakeQueue) Enqueue(req model.ReloadRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
}

func (q *fakeQueue) requests() []model.ReloadRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.ReloadRequest{}, q.reqs...)
}

type fakeStager struct {
	mu   sync.Mutex
	cars []string
	err  error
}

func (s *fakeStager) Stage(carPath string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cars = append(s.cars, carPath)
	return s.err
}

func sampleSession(id int) *model.SessionInfo {
	return &model.SessionInfo{
		SessionID:   id,
		EventType:   "Race",
		LocalCarIdx: 0,
		LocalUserID: 4711,
		Participants: []model.ParticipantDescriptor{
			{UserID: 5, CarIdx: 2, CarPath: "ovalA"},
			{UserID: -1, CarIdx: 0, CarPath: "pace"},
			{UserID: 7, CarIdx: 3, CarPath: "ovalB"},
		},
	}
}

//nolint:whitespace // editor/linter issue
func newTestTracker(
	p *fakeProvisioner, q *fakeQueue, opts ...Option,
) *Tracker {
	base := []Option{
		WithSettleDelay(0),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	}
	return NewTracker(p, q, append(base, opts...)...)
}

func TestTrackerProvisionsNewParticipants(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	ctx := context.Background()
	require.NoError(t, tr.OnConnected(ctx))

	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))

	assert.Equal(t, []int{5, 7}, p.userIDs())
	want := []model.ReloadRequest{
		{Kind: model.ReloadKindCar, CarIdx: 2, UserID: 5},
		{Kind: model.ReloadKindCar, CarIdx: 3, UserID: 7},
		{Kind: model.ReloadKindAll},
	}
	if diff := cmp.Diff(want, q.requests()); diff != "" {
		t.Errorf("reload requests mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, tr.Cache().Len())
}

func TestTrackerSameSessionTwice(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	ctx := context.Background()

	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))

	assert.Equal(t, []int{5, 7}, p.userIDs())
	assert.Len(t, q.requests(), 3, "no second batch expected")
}

func TestTrackerNewParticipantLaterInSession(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	ctx := context.Background()

	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	next := sampleSession(100)
	next.Participants = append(next.Participants,
		model.ParticipantDescriptor{UserID: 9, CarIdx: 4, CarPath: "ovalA"})
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, next))

	assert.Equal(t, []int{5, 7, 9}, p.userIDs())
	reqs := q.requests()
	require.Len(t, reqs, 5)
	assert.Equal(t, model.ReloadRequest{Kind: model.ReloadKindCar, CarIdx: 4, UserID: 9}, reqs[3])
	assert.Equal(t, model.BatchDone(), reqs[4])
}

func TestTrackerSessionChange(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	settle := 50 * time.Millisecond
	tr := newTestTracker(p, q, WithSettleDelay(settle))
	ctx := context.Background()

	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	start := time.Now()
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(200)))
	assert.GreaterOrEqual(t, time.Since(start), settle)

	assert.Equal(t, []int{5, 7, 5, 7}, p.userIDs())
	assert.Len(t, q.requests(), 6)
}

func TestTrackerSkipsLocalSlot(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	info := &model.SessionInfo{
		SessionID:   1,
		LocalCarIdx: 3,
		Participants: []model.ParticipantDescriptor{
			{UserID: 10, CarIdx: 3, CarPath: "x"},
			{UserID: 0, CarIdx: 4, CarPath: "x"},
			{UserID: 11, CarIdx: 5, CarPath: "x"},
		},
	}
	require.NoError(t, tr.OnSessionInfoUpdate(context.Background(), info))
	assert.Equal(t, []int{11}, p.userIDs())
	assert.Equal(t, []int{11}, userIDs(tr.Cache().Snapshot()))
}

func TestTrackerNothingNewNoSentinel(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	info := &model.SessionInfo{
		SessionID:    1,
		Participants: []model.ParticipantDescriptor{{UserID: -1, CarIdx: 1}},
	}
	require.NoError(t, tr.OnSessionInfoUpdate(context.Background(), info))
	assert.Empty(t, q.requests())
}

func TestTrackerOnlyRaces(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	o := options.Defaults()
	o.OnlyRaces = true
	tr := newTestTracker(p, q, WithOptions(o))
	ctx := context.Background()

	practice := sampleSession(100)
	practice.EventType = "Practice"
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, practice))
	assert.Empty(t, p.userIDs())

	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	assert.Equal(t, []int{5, 7}, p.userIDs())
}

func TestTrackerSpecMapChance(t *testing.T) {
	tests := []struct {
		name   string
		chance int
		want   bool
	}{
		{name: "never", chance: 0, want: false},
		{name: "always", chance: 100, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvisioner{}
			q := &fakeQueue{}
			o := options.Defaults()
			o.SpecMapPercentageChance = tt.chance
			tr := newTestTracker(p, q, WithOptions(o))
			ctx := context.Background()
			for i := range 5 {
				require.NoError(t, tr.OnConnected(ctx))
				require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100+i)))
				require.NoError(t, tr.Rerun(ctx))
				require.NoError(t, tr.OnDisconnected(ctx))
			}
			plans := p.plans()
			require.Len(t, plans, 20)
			for _, plan := range plans {
				assert.Equal(t, tt.want, plan.SpecMap)
			}
		})
	}
}

func TestTrackerSpecMapRolledPerConnection(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	o := options.Defaults()
	o.SpecMapPercentageChance = 50
	tr := newTestTracker(p, q, WithOptions(o))
	ctx := context.Background()

	require.NoError(t, tr.OnConnected(ctx))
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	next := sampleSession(100)
	for i := range 20 {
		next.Participants = append(next.Participants,
			model.ParticipantDescriptor{UserID: 100 + i, CarIdx: 10 + i, CarPath: "x"})
		require.NoError(t, tr.OnSessionInfoUpdate(ctx, next))
	}
	plans := p.plans()
	require.Len(t, plans, 22)
	for _, plan := range plans {
		assert.Equal(t, plans[0].SpecMap, plan.SpecMap, "flip must not change mid-session")
	}
}

func TestTrackerRerun(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	ctx := context.Background()

	assert.ErrorIs(t, tr.Rerun(ctx), ErrNotConnected)

	require.NoError(t, tr.OnConnected(ctx))
	assert.ErrorIs(t, tr.Rerun(ctx), ErrNoSessionYet)

	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	require.NoError(t, tr.Rerun(ctx))
	assert.Equal(t, []int{5, 7, 5, 7}, p.userIDs())
	assert.Len(t, q.requests(), 6)
}

func TestTrackerDisconnect(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	o := options.Defaults()
	o.DeletePaintsFolder = true
	tr := newTestTracker(p, q, WithOptions(o))
	ctx := context.Background()

	require.NoError(t, tr.OnConnected(ctx))
	assert.Equal(t, StateConnected, tr.State())
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))

	require.NoError(t, tr.OnDisconnected(ctx))
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Zero(t, tr.Cache().Len())
	assert.Equal(t, [][]int{{4711}}, p.removed)

	// reconnecting to the same session provisions again
	require.NoError(t, tr.OnConnected(ctx))
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	assert.Equal(t, []int{5, 7, 5, 7}, p.userIDs())
}

func TestTrackerCleanupWithoutOption(t *testing.T) {
	p := &fakeProvisioner{}
	tr := newTestTracker(p, &fakeQueue{})
	require.NoError(t, tr.OnDisconnected(context.Background()))
	require.NoError(t, tr.Cleanup(context.Background()))
	assert.Empty(t, p.removed)
}

func TestTrackerCleanupBeforeSessionInfo(t *testing.T) {
	p := &fakeProvisioner{}
	o := options.Defaults()
	o.DeletePaintsFolder = true
	tr := newTestTracker(p, &fakeQueue{}, WithOptions(o))
	require.NoError(t, tr.Cleanup(context.Background()))
	assert.Equal(t, [][]int{nil}, p.removed, "own user id is unknown")
}

func TestTrackerCleanupKeepsForeignPaints(t *testing.T) {
	dir := fs.NewDir(t, "paint",
		fs.WithDir("ovalA",
			fs.WithFile("car_999.tga", "FOREIGN"),
			fs.WithFile("car_4711.tga", "OWN"),
			fs.WithDir("common", fs.WithFile("car_common.tga", "CAR")),
		),
	)
	o := options.Defaults()
	o.DeletePaintsFolder = true
	tr := NewTracker(paint.NewProvisioner(paint.NewLayout(dir.Path())), &fakeQueue{},
		WithOptions(o), WithSettleDelay(0))
	ctx := context.Background()

	require.NoError(t, tr.Cleanup(ctx))
	assert.FileExists(t, dir.Join("ovalA", "car_999.tga"))
	assert.FileExists(t, dir.Join("ovalA", "car_4711.tga"))

	require.NoError(t, tr.OnConnected(ctx))
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	assert.FileExists(t, dir.Join("ovalA", "car_5.tga"))

	require.NoError(t, tr.OnDisconnected(ctx))
	assert.NoFileExists(t, dir.Join("ovalA", "car_5.tga"))
	assert.FileExists(t, dir.Join("ovalA", "car_999.tga"))
	assert.FileExists(t, dir.Join("ovalA", "car_4711.tga"))
	assert.FileExists(t, dir.Join("ovalA", "common", "car_common.tga"))
}

func TestTrackerSerializesConcurrentUpdates(t *testing.T) {
	p := &fakeProvisioner{delay: 2 * time.Millisecond}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info := sampleSession(100)
			info.Participants = append(info.Participants,
				model.ParticipantDescriptor{UserID: 1000 + i%5, CarIdx: 10 + i%5, CarPath: "x"})
			assert.NoError(t, tr.OnSessionInfoUpdate(ctx, info))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.maxSeen.Load(), "updates must not interleave")
	assert.ElementsMatch(t, []int{5, 7, 1000, 1001, 1002, 1003, 1004}, p.userIDs())
	sentinels := 0
	for _, r := range q.requests() {
		if r.Kind == model.ReloadKindAll {
			sentinels++
		}
	}
	assert.Equal(t, 7, len(q.requests())-sentinels)
}

func TestTrackerRecoversFromPanic(t *testing.T) {
	p := &fakeProvisioner{panicFor: 5}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	ctx := context.Background()

	// the pass continues with the remaining participants
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	assert.Equal(t, []int{7}, p.userIDs())
	want := []model.ReloadRequest{
		{Kind: model.ReloadKindCar, CarIdx: 3, UserID: 7},
		{Kind: model.ReloadKindAll},
	}
	if diff := cmp.Diff(want, q.requests()); diff != "" {
		t.Errorf("reload requests mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{7}, userIDs(tr.Cache().Snapshot()))

	// the failed participant is retried with the next update of the same session
	p.panicFor = 0
	done := make(chan error, 1)
	go func() { done <- tr.OnSessionInfoUpdate(ctx, sampleSession(100)) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("gate not released after panic")
	}
	assert.Equal(t, []int{7, 5}, p.userIDs())
	reqs := q.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, model.ReloadRequest{Kind: model.ReloadKindCar, CarIdx: 2, UserID: 5}, reqs[2])
	assert.Equal(t, model.BatchDone(), reqs[3])
}

func TestTrackerPanicForEveryParticipant(t *testing.T) {
	p := &fakeProvisioner{panicFor: 5}
	q := &fakeQueue{}
	tr := newTestTracker(p, q)
	info := sampleSession(100)
	info.Participants = info.Participants[:2]

	require.NoError(t, tr.OnSessionInfoUpdate(context.Background(), info))
	assert.Empty(t, p.userIDs())
	assert.Empty(t, q.requests(), "no sentinel without provisioned participants")
	assert.Zero(t, tr.Cache().Len())
}

func TestTrackerSettleDelayCancelled(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	tr := newTestTracker(p, q, WithSettleDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tr.OnSessionInfoUpdate(ctx, sampleSession(100)) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("settle delay not cancelled")
	}
	assert.Empty(t, p.userIDs())
	assert.Empty(t, q.requests())
}

func TestTrackerUpdateQueuesBehindSettleDelay(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	tr := newTestTracker(p, q, WithSettleDelay(100*time.Millisecond))
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- tr.OnSessionInfoUpdate(ctx, sampleSession(100)) }()
	time.Sleep(20 * time.Millisecond)

	// arrives during the settle delay of the first update
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(100)))
	require.NoError(t, <-first)

	assert.Equal(t, []int{5, 7}, p.userIDs())
	assert.Len(t, q.requests(), 3)
}

func TestTrackerRandomStagingPerConnection(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	s := &fakeStager{err: errors.New("pool incomplete")}
	o := options.Defaults()
	o.RandomMode = true
	tr := newTestTracker(p, q, WithOptions(o), WithStager(s))
	ctx := context.Background()

	require.NoError(t, tr.OnConnected(ctx))
	info := sampleSession(100)
	info.Participants = append(info.Participants,
		model.ParticipantDescriptor{UserID: 8, CarIdx: 4, CarPath: "ovalA"})
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, info))
	assert.Equal(t, []string{"ovalA", "ovalB"}, s.cars)
	for _, plan := range p.plans() {
		assert.True(t, plan.Random)
	}

	// a new connection stages again
	require.NoError(t, tr.OnConnected(ctx))
	require.NoError(t, tr.OnSessionInfoUpdate(ctx, sampleSession(200)))
	assert.Equal(t, []string{"ovalA", "ovalB", "ovalA", "ovalB"}, s.cars)
}

func TestTrackerRandomStagingPerParticipant(t *testing.T) {
	p := &fakeProvisioner{}
	q := &fakeQueue{}
	s := &fakeStager{}
	o := options.Defaults()
	o.RandomMode = true
	tr := newTestTracker(p, q, WithOptions(o), WithStager(s), WithPerParticipantStaging(true))

	info := sampleSession(100)
	info.Participants = append(info.Participants,
		model.ParticipantDescriptor{UserID: 8, CarIdx: 4, CarPath: "ovalA"})
	require.NoError(t, tr.OnSessionInfoUpdate(context.Background(), info))
	assert.Equal(t, []string{"ovalA", "ovalB", "ovalA"}, s.cars)
}

package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/dedupe"
	"github.com/bakkerme/repology-notify/internal/dispatch"
	"github.com/bakkerme/repology-notify/internal/outputs"
	"github.com/bakkerme/repology-notify/internal/outputs/mock"
)

type fakeSource struct {
	mu       sync.Mutex
	statuses []core.PackageStatus
	err      error
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Fetch(ctx context.Context) ([]core.PackageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, &core.FeedUnavailableError{URL: "fake://feed", Err: s.err}
	}
	return append([]core.PackageStatus(nil), s.statuses...), nil
}

func (s *fakeSource) set(statuses ...core.PackageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = statuses
	s.err = nil
}

func outdated(name, current, upstream string) core.PackageStatus {
	return core.PackageStatus{Name: name, CurrentVersions: []string{current}, UpstreamVersion: upstream, Outdated: true}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, source core.Source, store dedupe.Store, cfg Config, channels ...outputs.Channel) *Runner {
	t.Helper()
	r, err := New(discardLogger(), Deps{
		Source:     source,
		Store:      store,
		Lock:       dedupe.NewFileLock(filepath.Join(t.TempDir(), "state.lock")),
		Dispatcher: dispatch.New(discardLogger(), dispatch.Config{Timeout: time.Second}),
		Channels:   channels,
	}, cfg)
	if err != nil {
		t.Fatalf("new runner failed: %v", err)
	}
	return r
}

func newFileStore(t *testing.T) (*dedupe.FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := dedupe.NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	return store, path
}

func loadSeen(t *testing.T, store dedupe.Store) dedupe.SeenSet {
	t.Helper()
	seen, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return seen
}

func TestRunOnceNotifiesOnceAndRecords(t *testing.T) {
	source := &fakeSource{}
	source.set(outdated("foo", "1.0", "2.0"))
	store, _ := newFileStore(t)
	local := &mock.Channel{ChannelName: "local"}
	r := newTestRunner(t, source, store, Config{}, local)

	cycle, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if cycle.Status != core.CycleStatusCompleted || cycle.Summary.Delivered() != 1 || cycle.Committed != 1 {
		t.Fatalf("unexpected cycle %+v", cycle)
	}
	want := dedupe.SeenSet{"foo": {Channels: map[string]string{"local": "2.0"}}}
	if diff := cmp.Diff(want, loadSeen(t, store)); diff != "" {
		t.Fatalf("seen-set mismatch (-want +got):\n%s", diff)
	}

	cycle, err = r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if cycle.Summary.Entries != 0 {
		t.Fatalf("second cycle should have nothing to send, got %d entries", cycle.Summary.Entries)
	}
	if len(local.Sent) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(local.Sent))
	}
	if last := r.LastCycle(); last == nil || last.ID != cycle.ID {
		t.Fatalf("LastCycle should return the latest cycle")
	}
}

func TestRunOnceRetriesOnlyFailedChannel(t *testing.T) {
	source := &fakeSource{}
	source.set(outdated("foo", "1.0", "2.0"))
	store, _ := newFileStore(t)
	local := &mock.Channel{ChannelName: "local"}
	issue := &mock.Channel{ChannelName: "issue", Err: errors.New("github is down")}
	r := newTestRunner(t, source, store, Config{}, local, issue)

	cycle, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if cycle.Summary.Channels["issue"].Failed != 1 || len(cycle.Summary.Failures) != 1 {
		t.Fatalf("expected the issue failure in the summary, got %+v", cycle.Summary)
	}
	want := dedupe.SeenSet{"foo": {Channels: map[string]string{"local": "2.0"}}}
	if diff := cmp.Diff(want, loadSeen(t, store)); diff != "" {
		t.Fatalf("seen-set mismatch (-want +got):\n%s", diff)
	}

	issue.Err = nil
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("retry cycle failed: %v", err)
	}
	if len(local.Sent) != 1 {
		t.Fatalf("local must not be notified twice, got %d", len(local.Sent))
	}
	if len(issue.Sent) != 1 {
		t.Fatalf("issue should be retried once, got %d", len(issue.Sent))
	}
	want = dedupe.SeenSet{"foo": {Channels: map[string]string{"local": "2.0", "issue": "2.0"}}}
	if diff := cmp.Diff(want, loadSeen(t, store)); diff != "" {
		t.Fatalf("seen-set mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnceRenotifiesOnNewVersion(t *testing.T) {
	source := &fakeSource{}
	source.set(outdated("foo", "1.0", "2.0"))
	store, _ := newFileStore(t)
	local := &mock.Channel{ChannelName: "local"}
	r := newTestRunner(t, source, store, Config{}, local)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	source.set(outdated("foo", "1.0", "2.1"))
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	want := []string{"foo: 1.0 -> 2.0", "foo: 1.0 -> 2.1"}
	if diff := cmp.Diff(want, local.Subjects()); diff != "" {
		t.Fatalf("subjects mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnceFeedUnavailableBacksOff(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	store, path := newFileStore(t)
	local := &mock.Channel{ChannelName: "local"}
	r := newTestRunner(t, source, store, Config{BackoffBase: time.Minute, BackoffMax: 5 * time.Minute}, local)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	cycle, err := r.RunOnce(context.Background())
	var unavailable *core.FeedUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected FeedUnavailableError, got %v", err)
	}
	if cycle.Status != core.CycleStatusFailed || len(cycle.Errors) != 1 || cycle.Errors[0].Stage != "fetch" {
		t.Fatalf("unexpected cycle %+v", cycle)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("a failed fetch must not touch the store")
	}
	if got := r.backoffRemaining(); got != 2*time.Minute {
		t.Fatalf("expected 2m backoff after the first failure, got %v", got)
	}

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected second failure")
	}
	if got := r.backoffRemaining(); got != 4*time.Minute {
		t.Fatalf("expected 4m backoff after the second failure, got %v", got)
	}
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected third failure")
	}
	if got := r.backoffRemaining(); got != 5*time.Minute {
		t.Fatalf("expected capped backoff, got %v", got)
	}

	source.set(outdated("foo", "1.0", "2.0"))
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("recovery cycle failed: %v", err)
	}
	if got := r.backoffRemaining(); got != 0 {
		t.Fatalf("backoff should reset after success, got %v", got)
	}
}

func TestRunOnceCorruptStoreDispatchesNothing(t *testing.T) {
	source := &fakeSource{}
	source.set(outdated("foo", "1.0", "2.0"))
	store, path := newFileStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	local := &mock.Channel{ChannelName: "local"}
	r := newTestRunner(t, source, store, Config{}, local)

	cycle, err := r.RunOnce(context.Background())
	var corrupt *dedupe.StoreCorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected StoreCorruptError, got %v", err)
	}
	if cycle.Status != core.CycleStatusFailed || len(cycle.Errors) != 1 || cycle.Errors[0].Stage != "store" {
		t.Fatalf("expected one store-stage error, got %+v", cycle)
	}
	if local.Hits != 0 {
		t.Fatalf("no notification may be sent with a corrupt store")
	}
}

func TestRunOnceBaselineOnFirstRun(t *testing.T) {
	source := &fakeSource{}
	source.set(outdated("foo", "1.0", "2.0"), outdated("bar", "3", "4"))
	store, _ := newFileStore(t)
	local := &mock.Channel{ChannelName: "local"}
	r := newTestRunner(t, source, store, Config{BaselineOnFirstRun: true}, local)

	cycle, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("baseline cycle failed: %v", err)
	}
	if !cycle.Baseline || cycle.Committed != 2 || local.Hits != 0 {
		t.Fatalf("unexpected baseline cycle %+v (hits %d)", cycle, local.Hits)
	}

	source.set(outdated("foo", "1.0", "2.0"), outdated("bar", "3", "5"))
	cycle, err = r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if cycle.Baseline {
		t.Fatalf("only the first cycle is a baseline")
	}
	if diff := cmp.Diff([]string{"bar: 3 -> 5"}, local.Subjects()); diff != "" {
		t.Fatalf("subjects mismatch (-want +got):\n%s", diff)
	}
}

// cancelingChannel delivers, then cancels the cycle context.
type cancelingChannel struct {
	cancel context.CancelFunc
	sent   int
}

func (c *cancelingChannel) Name() string  { return "local" }
func (c *cancelingChannel) Enabled() bool { return true }
func (c *cancelingChannel) Send(ctx context.Context, payload core.Payload) error {
	c.sent++
	c.cancel()
	return nil
}

func TestRunOnceCommitsDeliveredAfterCancellation(t *testing.T) {
	source := &fakeSource{}
	source.set(outdated("foo", "1.0", "2.0"), outdated("bar", "3", "4"))
	store, _ := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := &cancelingChannel{cancel: cancel}
	r := newTestRunner(t, source, store, Config{}, ch)

	cycle, err := r.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled cycle, got %v", err)
	}
	if ch.sent != 1 {
		t.Fatalf("expected one send before cancellation, got %d", ch.sent)
	}
	if cycle.Summary.Channels["local"].Failed != 1 {
		t.Fatalf("unattempted entry should be failed, got %+v", cycle.Summary)
	}
	if cycle.Status != core.CycleStatusFailed || len(cycle.Errors) != 1 || cycle.Errors[0].Stage != "dispatch" {
		t.Fatalf("expected one dispatch-stage error, got %+v", cycle.Errors)
	}
	want := dedupe.SeenSet{"foo": {Channels: map[string]string{"local": "2.0"}}}
	if diff := cmp.Diff(want, loadSeen(t, store)); diff != "" {
		t.Fatalf("seen-set mismatch (-want +got):\n%s", diff)
	}
}

type fakeTrigger struct {
	events chan core.TriggerEvent
}

func (f *fakeTrigger) Name() string    { return "fake" }
func (f *fakeTrigger) Validate() error { return nil }
func (f *fakeTrigger) Start(context.Context) (<-chan core.TriggerEvent, error) {
	return f.events, nil
}
func (f *fakeTrigger) Stop() error { return nil }

func TestStartRunsCyclePerEvent(t *testing.T) {
	source := &fakeSource{}
	source.set(outdated("foo", "1.0", "2.0"))
	store, _ := newFileStore(t)
	local := &mock.Channel{ChannelName: "local"}
	r := newTestRunner(t, source, store, Config{}, local)

	trig := &fakeTrigger{events: make(chan core.TriggerEvent)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx, trig); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	trig.events <- core.TriggerEvent{Timestamp: time.Now()}
	trig.events <- core.TriggerEvent{Timestamp: time.Now()}
	close(trig.events)
	r.Wait()

	if len(local.Sent) != 1 {
		t.Fatalf("expected one notification across two cycles, got %d", len(local.Sent))
	}
	if last := r.LastCycle(); last == nil || last.TriggerType != "fake" {
		t.Fatalf("unexpected last cycle %+v", last)
	}
}

func TestConcurrentRunOnceIsSerialised(t *testing.T) {
	source := &fakeSource{}
	source.set(outdated("foo", "1.0", "2.0"))
	store, _ := newFileStore(t)
	local := &mock.Channel{ChannelName: "local", Delay: 10 * time.Millisecond}
	r := newTestRunner(t, source, store, Config{}, local)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RunOnce(context.Background()); err != nil {
				t.Errorf("cycle failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := len(local.Subjects()); got != 1 {
		t.Fatalf("expected exactly one notification, got %d", got)
	}
}

func TestRunOnceBaselineTakenOnceWhenNothingOutdated(t *testing.T) {
	source := &fakeSource{}
	source.set(core.PackageStatus{Name: "bar", CurrentVersions: []string{"3"}})
	store, _ := newFileStore(t)
	local := &mock.Channel{ChannelName: "local"}
	r := newTestRunner(t, source, store, Config{BaselineOnFirstRun: true}, local)

	cycle, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("baseline cycle failed: %v", err)
	}
	if !cycle.Baseline || cycle.Committed != 0 {
		t.Fatalf("unexpected baseline cycle %+v", cycle)
	}
	if !loadSeen(t, store).BaselineTaken() {
		t.Fatalf("expected the baseline marker to be persisted")
	}

	source.set(core.PackageStatus{Name: "bar", CurrentVersions: []string{"3"}}, outdated("foo", "1.0", "2.0"))
	cycle, err = r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if cycle.Baseline || local.Hits != 1 {
		t.Fatalf("newly outdated foo must be sent, got baseline=%v hits=%d", cycle.Baseline, local.Hits)
	}
	if diff := cmp.Diff([]string{"foo: 1.0 -> 2.0"}, local.Subjects()); diff != "" {
		t.Fatalf("subjects mismatch (-want +got):\n%s", diff)
	}

	seen, err := r.SeenSet(context.Background())
	if err != nil {
		t.Fatalf("seen-set failed: %v", err)
	}
	want := dedupe.SeenSet{"foo": {Channels: map[string]string{"local": "2.0"}}}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("seen-set should hide the marker (-want +got):\n%s", diff)
	}
}

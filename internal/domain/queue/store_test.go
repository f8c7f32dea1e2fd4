package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/waitroom/errs"
)

type recordingObserver struct {
	mu     sync.Mutex
	states []State
}

func (o *recordingObserver) StoreChanged(s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.states)
}

func (o *recordingObserver) last() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[len(o.states)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func positions(t *testing.T, s *Store) map[string]int {
	t.Helper()
	out := make(map[string]int)
	for _, entry := range s.State().Queue {
		out[entry.Key] = entry.Position
	}
	return out
}

func assertContiguous(t *testing.T, s *Store) {
	t.Helper()
	state := s.State()
	for i, entry := range state.Queue {
		if entry.Position != i+1 {
			t.Fatalf("entry %q at index %d has position %d", entry.Key, i, entry.Position)
		}
	}
}

func TestEnqueueAssignsFIFOPositions(t *testing.T) {
	s := NewStore(1)
	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	for i, key := range keys {
		pos, id, created := s.Enqueue(key)
		if !created {
			t.Fatalf("expected %s to be created", key)
		}
		if pos != i+1 {
			t.Fatalf("expected position %d for %s, got %d", i+1, key, pos)
		}
		if id == uuid.Nil {
			t.Fatalf("expected non-nil id for %s", key)
		}
	}
	got := positions(t, s)
	for i, key := range keys {
		if got[key] != i+1 {
			t.Fatalf("position(%s) = %d, want %d", key, got[key], i+1)
		}
	}
	assertContiguous(t, s)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	obs := new(recordingObserver)
	s := NewStore(1, WithObserver(obs))

	pos1, id1, created1 := s.Enqueue("X")
	pos2, id2, created2 := s.Enqueue("X")

	if !created1 || created2 {
		t.Fatalf("expected only the first enqueue to create, got %v/%v", created1, created2)
	}
	if pos1 != 1 || pos2 != 1 {
		t.Fatalf("expected position 1 twice, got %d and %d", pos1, pos2)
	}
	if id1 != id2 {
		t.Fatalf("expected identical ids, got %s and %s", id1, id2)
	}
	if n := s.Summary().TotalInQueue; n != 1 {
		t.Fatalf("expected queue length 1, got %d", n)
	}
	if obs.count() != 1 {
		t.Fatalf("duplicate enqueue must not propagate, observer saw %d changes", obs.count())
	}
}

func TestRemoveByKeyCompactsPositions(t *testing.T) {
	s := NewStore(1)
	for _, key := range []string{"A", "B", "C"} {
		s.Enqueue(key)
	}

	removed, former, newHead := s.RemoveByKey("B")
	if !removed || former != 2 {
		t.Fatalf("expected removal of B at position 2, got removed=%v former=%d", removed, former)
	}
	if newHead != "" {
		t.Fatalf("removing a non-head entry must not report a new head, got %q", newHead)
	}
	got := positions(t, s)
	if got["A"] != 1 || got["C"] != 2 {
		t.Fatalf("unexpected positions after removal: %v", got)
	}
	if _, ok := got["B"]; ok {
		t.Fatalf("B should be gone: %v", got)
	}
	assertContiguous(t, s)
}

func TestRemoveByKeyCompactionProperty(t *testing.T) {
	for n := 1; n <= 6; n++ {
		for p := 1; p <= n; p++ {
			s := NewStore(1)
			keys := make([]string, n)
			for i := range keys {
				keys[i] = fmt.Sprintf("k%d", i+1)
				s.Enqueue(keys[i])
			}
			s.RemoveByKey(keys[p-1])
			got := positions(t, s)
			for i, key := range keys {
				want := i + 1
				switch {
				case i+1 == p:
					continue
				case i+1 > p:
					want = i
				}
				if got[key] != want {
					t.Fatalf("n=%d p=%d: position(%s)=%d want %d", n, p, key, got[key], want)
				}
			}
			assertContiguous(t, s)
		}
	}
}

func TestRemoveHeadReportsNewHead(t *testing.T) {
	s := NewStore(1)
	s.Enqueue("A")
	s.Enqueue("B")

	removed, former, newHead := s.RemoveByKey("A")
	if !removed || former != 1 || newHead != "B" {
		t.Fatalf("expected head removal to report B, got removed=%v former=%d head=%q", removed, former, newHead)
	}

	removed, former, newHead = s.RemoveByKey("B")
	if !removed || former != 1 || newHead != "" {
		t.Fatalf("removing the last entry leaves no head, got removed=%v former=%d head=%q", removed, former, newHead)
	}
}

func TestRemoveAbsentKeyIsSentinel(t *testing.T) {
	obs := new(recordingObserver)
	s := NewStore(1, WithObserver(obs))
	removed, former, head := s.RemoveByKey("ghost")
	if removed || former != 0 || head != "" {
		t.Fatalf("expected sentinel result, got %v %d %q", removed, former, head)
	}
	if obs.count() != 0 {
		t.Fatalf("no-op removal must not propagate")
	}
}

func TestDequeueMovesHeadToProcessing(t *testing.T) {
	s := NewStore(1)
	if _, ok := s.Dequeue(); ok {
		t.Fatalf("dequeue on empty queue must report no users")
	}
	s.Enqueue("A")
	s.Enqueue("B")

	key, ok := s.Dequeue()
	if !ok || key != "A" {
		t.Fatalf("expected A, got %q ok=%v", key, ok)
	}
	info := s.Snapshot()
	if info.TotalInQueue != 1 || info.Processing != 1 {
		t.Fatalf("unexpected counts %+v", info.Summary)
	}
	if len(info.ProcessingKeys) != 1 || info.ProcessingKeys[0] != "A" {
		t.Fatalf("expected A in processing, got %v", info.ProcessingKeys)
	}
	if pos := s.Position("B"); pos.Position != 1 {
		t.Fatalf("expected B to move to position 1, got %d", pos.Position)
	}

	if !s.CompleteProcessing("A") {
		t.Fatalf("expected completion of A")
	}
	if s.CompleteProcessing("A") {
		t.Fatalf("second completion must be a no-op")
	}
}

func TestAdmitEnforcesCapacity(t *testing.T) {
	s := NewStore(2)
	if _, err := s.Admit("a", ""); err != nil {
		t.Fatalf("admit a: %v", err)
	}
	if _, err := s.Admit("b", ""); err != nil {
		t.Fatalf("admit b: %v", err)
	}
	_, err := s.Admit("c", "")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if !errs.Is(err, errs.CodeCapacityExceeded) {
		t.Fatalf("expected capacity code, got %q", errs.CodeOf(err))
	}
	if n := s.Summary().ActiveUsers; n != 2 {
		t.Fatalf("expected 2 active users, got %d", n)
	}
}

func TestAdmitIsIdempotentForActiveKey(t *testing.T) {
	s := NewStore(1)
	first, err := s.Admit("a", "tok-1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	second, err := s.Admit("a", "tok-2")
	if err != nil {
		t.Fatalf("re-admit at capacity must succeed for the same key: %v", err)
	}
	if second.Token != first.Token {
		t.Fatalf("expected the original token, got %q", second.Token)
	}
}

func TestConcurrentAdmitNeverExceedsCapacity(t *testing.T) {
	const (
		limit   = 5
		callers = 64
	)
	s := NewStore(limit)
	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		denied   atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if _, err := s.Admit(fmt.Sprintf("key-%d", i), ""); err != nil {
				denied.Add(1)
				return
			}
			admitted.Add(1)
		}(i)
	}
	close(start)
	wg.Wait()

	if admitted.Load() != limit {
		t.Fatalf("expected exactly %d admissions, got %d", limit, admitted.Load())
	}
	if denied.Load() != callers-limit {
		t.Fatalf("expected %d denials, got %d", callers-limit, denied.Load())
	}
	if n := s.Summary().ActiveUsers; n != limit {
		t.Fatalf("active users %d exceeds limit %d", n, limit)
	}
}

func TestAdmitRemovesQueuedKey(t *testing.T) {
	s := NewStore(1)
	s.Enqueue("A")
	s.Enqueue("B")
	if _, err := s.Admit("A", ""); err != nil {
		t.Fatalf("admit: %v", err)
	}
	pos := s.Position("A")
	if pos.Queued || !pos.Active {
		t.Fatalf("active key must not stay queued: %+v", pos)
	}
	if s.Position("B").Position != 1 {
		t.Fatalf("expected B to become head")
	}
}

func TestReleaseReportsPromotion(t *testing.T) {
	s := NewStore(1)
	if _, err := s.Admit("A", ""); err != nil {
		t.Fatalf("admit: %v", err)
	}
	s.Enqueue("B")

	released, promote := s.Release("A")
	if !released || promote != "B" {
		t.Fatalf("expected release of A to promote B, got released=%v promote=%q", released, promote)
	}
	released, promote = s.Release("A")
	if released || promote != "" {
		t.Fatalf("second release must be a no-op, got released=%v promote=%q", released, promote)
	}
}

func TestReleaseWithoutWaitersPromotesNobody(t *testing.T) {
	s := NewStore(2)
	_, _ = s.Admit("A", "")
	if _, promote := s.Release("A"); promote != "" {
		t.Fatalf("empty queue must not promote, got %q", promote)
	}
}

func TestTurnRequiresHeadAndCapacity(t *testing.T) {
	s := NewStore(1)
	if _, err := s.Admit("A", ""); err != nil {
		t.Fatalf("admit: %v", err)
	}
	s.Enqueue("B")
	s.Enqueue("C")

	if pos := s.Position("B"); pos.Position != 1 || pos.IsMyTurn {
		t.Fatalf("head at full capacity is waiting, not its turn: %+v", pos)
	}
	s.Release("A")
	if pos := s.Position("B"); !pos.IsMyTurn {
		t.Fatalf("head with a free slot should have its turn: %+v", pos)
	}
	if pos := s.Position("C"); pos.IsMyTurn {
		t.Fatalf("position 2 is never its turn: %+v", pos)
	}
	if pos := s.Position("nobody"); pos.IsMyTurn || pos.Queued {
		t.Fatalf("absent key has no turn: %+v", pos)
	}
}

func TestObserverSeesMonotonicSequence(t *testing.T) {
	obs := new(recordingObserver)
	s := NewStore(1, WithObserver(obs), WithEpoch(42))

	s.Enqueue("A")
	s.Enqueue("B")
	s.RemoveByKey("A")
	_, _ = s.Admit("B", "")

	if obs.count() != 4 {
		t.Fatalf("expected 4 changes, got %d", obs.count())
	}
	var prev Version
	for i, state := range obs.states {
		if state.Epoch != 42 {
			t.Fatalf("state %d has epoch %d", i, state.Epoch)
		}
		if !prev.Before(state.Version) {
			t.Fatalf("state %d version %+v not after %+v", i, state.Version, prev)
		}
		prev = state.Version
	}
	last := obs.last()
	if len(last.Queue) != 0 || len(last.Active) != 1 || last.Active[0] != "B" {
		t.Fatalf("unexpected final state %+v", last)
	}
}

func TestDoCommitsOnce(t *testing.T) {
	obs := new(recordingObserver)
	s := NewStore(3, WithObserver(obs))
	var inside Version
	s.Do(func(tx *Txn) {
		tx.Enqueue("A")
		tx.Enqueue("B")
		_, _ = tx.Admit("C", "")
		inside = tx.Version()
	})
	if obs.count() != 1 {
		t.Fatalf("expected a single propagation for a compound mutation, got %d", obs.count())
	}
	if obs.last().Version != inside {
		t.Fatalf("observer version %+v differs from in-transaction version %+v", obs.last().Version, inside)
	}
}

func TestForceClearKeepsActiveSessions(t *testing.T) {
	s := NewStore(1)
	_, _ = s.Admit("A", "")
	s.Enqueue("B")
	s.Enqueue("C")
	s.Dequeue()

	result := s.ForceClear()
	if result.ClearedQueue != 1 || result.ClearedProcessing != 1 {
		t.Fatalf("unexpected clear result %+v", result)
	}
	summary := s.Summary()
	if summary.TotalInQueue != 0 || summary.Processing != 0 || summary.ActiveUsers != 1 {
		t.Fatalf("unexpected summary after clear %+v", summary)
	}
	if got := s.ForceClear(); got != (ClearResult{}) {
		t.Fatalf("clearing an empty store must be a no-op, got %+v", got)
	}
}

func TestExpiryListings(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(2, WithClock(clock.Now))
	_, _ = s.Admit("old", "")
	s.Enqueue("w")
	s.Dequeue()
	clock.Advance(10 * time.Minute)
	_, _ = s.Admit("new", "")

	if got := s.ExpiredSessions(5 * time.Minute); len(got) != 1 || got[0] != "old" {
		t.Fatalf("expected only old to expire, got %v", got)
	}
	if got := s.ExpiredProcessing(5 * time.Minute); len(got) != 1 || got[0] != "w" {
		t.Fatalf("expected w to time out, got %v", got)
	}
	if got := s.ExpiredSessions(0); got != nil {
		t.Fatalf("zero ttl disables expiry, got %v", got)
	}
}

func TestRestoreRebuildsFromState(t *testing.T) {
	src := NewStore(2, WithEpoch(1))
	_, _ = src.Admit("A", "")
	src.Enqueue("B")
	src.Enqueue("C")
	src.Enqueue("D")
	src.Dequeue()
	snapshot := src.State()

	dst := NewStore(1, WithEpoch(2))
	result := dst.Restore(snapshot)
	if result.Active != 1 || result.Queued != 2 || result.Processing != 1 || result.DroppedActive != 0 {
		t.Fatalf("unexpected restore result %+v", result)
	}
	if dst.Epoch() != 2 {
		t.Fatalf("restore must keep the local epoch")
	}
	if dst.Position("C").Position != 1 || dst.Position("D").Position != 2 {
		t.Fatalf("unexpected restored positions %v", positions(t, dst))
	}
	if !dst.Position("A").Active {
		t.Fatalf("expected A to be restored as active")
	}
}

func TestRestoreDropsActiveBeyondCapacity(t *testing.T) {
	state := State{
		Version:        Version{Epoch: 1, Seq: 9},
		Active:         []string{"a", "b", "c"},
		MaxActiveUsers: 3,
	}
	dst := NewStore(2)
	result := dst.Restore(state)
	if result.Active != 2 || result.DroppedActive != 1 {
		t.Fatalf("expected 2 active and 1 dropped, got %+v", result)
	}
}

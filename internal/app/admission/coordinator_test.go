package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/waitroom/errs"
	"github.com/coachpo/waitroom/internal/domain/queue"
)

type recordingNotifier struct {
	mu         sync.Mutex
	promotions []queue.Promotion
	admissions []queue.Admission
}

func (n *recordingNotifier) Promoted(_ context.Context, p queue.Promotion) {
	n.mu.Lock()
	n.promotions = append(n.promotions, p)
	n.mu.Unlock()
}

func (n *recordingNotifier) Admitted(_ context.Context, a queue.Admission) {
	n.mu.Lock()
	n.admissions = append(n.admissions, a)
	n.mu.Unlock()
}

func (n *recordingNotifier) promotedKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.promotions))
	for _, p := range n.promotions {
		out = append(out, p.Key)
	}
	return out
}

func (n *recordingNotifier) admissionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.admissions)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{mu: sync.Mutex{}, now: time.Unix(1_700_000_000, 0)}
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

func newTestCoordinator(max int, opts ...Option) (*Coordinator, *recordingNotifier, *queue.Store) {
	store := queue.NewStore(max)
	notifier := &recordingNotifier{}
	return NewCoordinator(store, notifier, opts...), notifier, store
}

func mustJoin(t *testing.T, c *Coordinator, key string) JoinResult {
	t.Helper()
	res, err := c.Join(context.Background(), key)
	if err != nil {
		t.Fatalf("join %s: %v", key, err)
	}
	return res
}

func TestJoinGrantsDirectAccessUntilCapacity(t *testing.T) {
	c, notifier, _ := newTestCoordinator(2)

	first := mustJoin(t, c, "a")
	second := mustJoin(t, c, "b")
	third := mustJoin(t, c, "c")

	if !first.DirectAccess || first.SessionToken == "" {
		t.Fatalf("expected direct access for a, got %+v", first)
	}
	if !second.DirectAccess {
		t.Fatalf("expected direct access for b, got %+v", second)
	}
	if third.DirectAccess || third.Position != 1 || third.IsMyTurn {
		t.Fatalf("expected c queued at 1 without turn, got %+v", third)
	}
	if third.ActiveUsers != 2 || third.MaxActiveUsers != 2 || third.TotalInQueue != 1 {
		t.Fatalf("unexpected counts %+v", third)
	}
	if got := notifier.admissionCount(); got != 2 {
		t.Fatalf("expected 2 admissions, got %d", got)
	}
}

func TestJoinFIFOOrder(t *testing.T) {
	c, _, _ := newTestCoordinator(0)
	for i, key := range []string{"k1", "k2", "k3", "k4"} {
		res := mustJoin(t, c, key)
		if res.Position != i+1 {
			t.Fatalf("%s: expected position %d, got %d", key, i+1, res.Position)
		}
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	c, _, store := newTestCoordinator(0)
	mustJoin(t, c, "w")
	first := mustJoin(t, c, "x")
	again := mustJoin(t, c, "x")

	if first.ID != again.ID || first.Position != again.Position || again.Position != 2 {
		t.Fatalf("duplicate join changed state: %+v vs %+v", first, again)
	}
	if got := store.Summary().TotalInQueue; got != 2 {
		t.Fatalf("expected queue length 2, got %d", got)
	}
}

func TestJoinActiveKeyReturnsExistingSession(t *testing.T) {
	c, notifier, _ := newTestCoordinator(1)
	first := mustJoin(t, c, "a")
	again := mustJoin(t, c, "a")
	if !again.DirectAccess || again.SessionToken != first.SessionToken {
		t.Fatalf("expected idempotent direct access, got %+v then %+v", first, again)
	}
	if got := notifier.admissionCount(); got != 1 {
		t.Fatalf("expected a single admission, got %d", got)
	}
}

func TestJoinRejectsBlankKey(t *testing.T) {
	c, _, _ := newTestCoordinator(1)
	_, err := c.Join(context.Background(), "   ")
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestNewcomerDoesNotJumpWaiters(t *testing.T) {
	c, _, store := newTestCoordinator(2)
	mustJoin(t, c, "a")
	mustJoin(t, c, "b")
	mustJoin(t, c, "c")
	if _, err := c.Leave(context.Background(), "a"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	res := mustJoin(t, c, "d")
	if res.DirectAccess || res.Position != 2 {
		t.Fatalf("expected d queued behind c, got %+v", res)
	}
	if pos := store.Position("c"); !pos.IsMyTurn {
		t.Fatalf("expected c to hold the turn, got %+v", pos)
	}
}

func TestCapacityInvariantUnderConcurrency(t *testing.T) {
	const max = 5
	c, _, store := newTestCoordinator(max)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			if _, err := c.Join(context.Background(), key); err != nil {
				t.Errorf("join: %v", err)
				return
			}
			_, _ = c.CreateSession(context.Background(), key)
		}(i)
	}
	wg.Wait()

	summary := store.Summary()
	if summary.ActiveUsers != max {
		t.Fatalf("expected %d active users, got %d", max, summary.ActiveUsers)
	}
	if summary.TotalInQueue != 100-max {
		t.Fatalf("expected %d waiting, got %d", 100-max, summary.TotalInQueue)
	}
}

func TestConcurrentSessionsForHeadAdmitOnce(t *testing.T) {
	c, notifier, store := newTestCoordinator(1)
	mustJoin(t, c, "a")
	mustJoin(t, c, "b")
	mustJoin(t, c, "c")
	if _, err := c.EndSession(context.Background(), "a"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _ = c.CreateSession(context.Background(), key)
		}([]string{"b", "c"}[i%2])
	}
	wg.Wait()

	if got := store.Summary().ActiveUsers; got != 1 {
		t.Fatalf("expected exactly one active user, got %d", got)
	}
	if pos := store.Position("b"); !pos.Active {
		t.Fatalf("expected head b admitted, got %+v", pos)
	}
	if got := notifier.admissionCount(); got != 2 {
		t.Fatalf("expected admissions for a and b only, got %d", got)
	}
}

func TestStatusTurnRequiresCapacity(t *testing.T) {
	c, _, _ := newTestCoordinator(1)
	mustJoin(t, c, "a")
	mustJoin(t, c, "b")

	pos, err := c.Status(context.Background(), "b")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if pos.Position != 1 || pos.IsMyTurn {
		t.Fatalf("expected b at head without a turn, got %+v", pos)
	}

	if _, err := c.EndSession(context.Background(), "a"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	pos, _ = c.Status(context.Background(), "b")
	if !pos.IsMyTurn {
		t.Fatalf("expected b's turn after release, got %+v", pos)
	}
}

func TestLeaveCompactsPositions(t *testing.T) {
	c, _, store := newTestCoordinator(0)
	for _, key := range []string{"a", "b", "c"} {
		mustJoin(t, c, key)
	}

	res, err := c.Leave(context.Background(), "b")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !res.Success || !res.WasInQueue || res.FormerPosition != 2 {
		t.Fatalf("unexpected leave result %+v", res)
	}
	if got := store.Position("a").Position; got != 1 {
		t.Fatalf("expected a at 1, got %d", got)
	}
	if got := store.Position("c").Position; got != 2 {
		t.Fatalf("expected c at 2, got %d", got)
	}
	if got := store.Summary().TotalInQueue; got != 2 {
		t.Fatalf("expected 2 waiting, got %d", got)
	}
}

func TestLeaveUnknownKeyIsBenign(t *testing.T) {
	c, notifier, _ := newTestCoordinator(1)
	res, err := c.Leave(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if res.Success || res.WasInQueue || res.WasActive {
		t.Fatalf("expected benign no-op, got %+v", res)
	}
	if len(notifier.promotedKeys()) != 0 {
		t.Fatalf("unexpected promotion")
	}
}

func TestLeaveReleasesActiveKey(t *testing.T) {
	c, notifier, store := newTestCoordinator(1)
	mustJoin(t, c, "a")
	mustJoin(t, c, "b")

	res, err := c.Leave(context.Background(), "a")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !res.Success || !res.WasActive {
		t.Fatalf("expected active release, got %+v", res)
	}
	if store.Summary().ActiveUsers != 0 {
		t.Fatalf("expected slot freed")
	}
	if got := notifier.promotedKeys(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected b promoted, got %v", got)
	}
}

func TestPromotionScenarioAB(t *testing.T) {
	c, notifier, store := newTestCoordinator(1)
	ctx := context.Background()

	a := mustJoin(t, c, "A")
	if !a.DirectAccess {
		t.Fatalf("expected A direct access, got %+v", a)
	}
	b := mustJoin(t, c, "B")
	if b.Position != 1 || b.IsMyTurn {
		t.Fatalf("expected B waiting at 1, got %+v", b)
	}

	if _, err := c.CreateSession(ctx, "B"); !errs.Is(err, errs.CodeCapacityExceeded) {
		t.Fatalf("expected capacity denial for B, got %v", err)
	}

	end, err := c.EndSession(ctx, "A")
	if err != nil || !end.Released {
		t.Fatalf("end session: %+v %v", end, err)
	}
	if got := notifier.promotedKeys(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("expected exactly one promotion of B, got %v", got)
	}
	notifier.mu.Lock()
	promotion := notifier.promotions[0]
	notifier.mu.Unlock()
	if promotion.Position != 1 || promotion.Version != store.Summary().Version {
		t.Fatalf("promotion should carry the post-release version: %+v vs %+v", promotion, store.Summary())
	}

	session, err := c.CreateSession(ctx, "B")
	if err != nil || !session.Success || session.SessionToken == "" {
		t.Fatalf("expected B admitted, got %+v %v", session, err)
	}
	info := c.Debug()
	if info.ActiveUsers != 1 || info.TotalInQueue != 0 {
		t.Fatalf("unexpected state after admission %+v", info)
	}
	if len(info.ProcessingKeys) != 1 || info.ProcessingKeys[0] != "B" {
		t.Fatalf("expected B in processing, got %v", info.ProcessingKeys)
	}
	if got := notifier.promotedKeys(); len(got) != 1 {
		t.Fatalf("admission must not emit another promotion, got %v", got)
	}
}

func TestPromotionScenarioABC(t *testing.T) {
	c, notifier, _ := newTestCoordinator(1)
	ctx := context.Background()
	mustJoin(t, c, "holder")
	for _, key := range []string{"A", "B", "C"} {
		mustJoin(t, c, key)
	}

	if _, err := c.Leave(ctx, "A"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := notifier.promotedKeys(); len(got) != 0 {
		t.Fatalf("no slot is free, expected no promotion, got %v", got)
	}
	pos, _ := c.Status(ctx, "B")
	if pos.Position != 1 {
		t.Fatalf("expected B at 1, got %+v", pos)
	}
	pos, _ = c.Status(ctx, "C")
	if pos.Position != 2 {
		t.Fatalf("expected C at 2, got %+v", pos)
	}

	if _, err := c.EndSession(ctx, "holder"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if got := notifier.promotedKeys(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("expected B promoted once, got %v", got)
	}

	if _, err := c.Leave(ctx, "B"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := notifier.promotedKeys(); len(got) != 2 || got[1] != "C" {
		t.Fatalf("expected C promoted after B left, got %v", got)
	}
}

func TestEverySlotFreedPromotesWaitingHead(t *testing.T) {
	c, notifier, _ := newTestCoordinator(2)
	ctx := context.Background()
	for _, key := range []string{"A", "X", "B", "C"} {
		mustJoin(t, c, key)
	}

	if _, err := c.EndSession(ctx, "A"); err != nil {
		t.Fatalf("end session A: %v", err)
	}
	if _, err := c.EndSession(ctx, "X"); err != nil {
		t.Fatalf("end session X: %v", err)
	}
	if got := notifier.promotedKeys(); len(got) != 2 || got[0] != "B" || got[1] != "B" {
		t.Fatalf("expected one promotion per freed slot, got %v", got)
	}

	if _, err := c.CreateSession(ctx, "B"); err != nil {
		t.Fatalf("create session B: %v", err)
	}
	if got := notifier.promotedKeys(); len(got) != 3 || got[2] != "C" {
		t.Fatalf("expected C promoted once B took a slot, got %v", got)
	}

	if _, err := c.EndSession(ctx, "nobody"); err != nil {
		t.Fatalf("end session unknown: %v", err)
	}
	if got := notifier.promotedKeys(); len(got) != 3 {
		t.Fatalf("releasing nothing must not promote, got %v", got)
	}
}

func TestCreateSessionAgreesWithStatusDirectAccess(t *testing.T) {
	c, _, _ := newTestCoordinator(3)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c", "d"} {
		mustJoin(t, c, key)
	}
	for _, key := range []string{"a", "b"} {
		if _, err := c.EndSession(ctx, key); err != nil {
			t.Fatalf("end session %s: %v", key, err)
		}
	}

	pos, err := c.Status(ctx, "walk-in")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !pos.DirectAccess {
		t.Fatalf("expected direct access with a slot left beyond the waiters, got %+v", pos)
	}
	session, err := c.CreateSession(ctx, "walk-in")
	if err != nil || !session.Success {
		t.Fatalf("expected walk-in admitted, got %+v %v", session, err)
	}

	pos, _ = c.Status(ctx, "late")
	if pos.DirectAccess {
		t.Fatalf("expected no direct access once the free slot belongs to d, got %+v", pos)
	}
	if _, err := c.CreateSession(ctx, "late"); !errs.Is(err, errs.CodeNotYourTurn) {
		t.Fatalf("expected late denied, got %v", err)
	}
	if pos, _ := c.Status(ctx, "d"); !pos.IsMyTurn {
		t.Fatalf("expected d to keep its turn, got %+v", pos)
	}
}

func TestCreateSessionDenials(t *testing.T) {
	c, _, _ := newTestCoordinator(1)
	ctx := context.Background()
	mustJoin(t, c, "a")
	mustJoin(t, c, "b")
	mustJoin(t, c, "c")

	_, err := c.CreateSession(ctx, "c")
	if !errs.Is(err, errs.CodeNotYourTurn) {
		t.Fatalf("expected not your turn, got %v", err)
	}
	var e *errs.E
	if !errors.As(err, &e) {
		t.Fatalf("expected errs.E, got %T", err)
	}
	if e.Details["position"] != 2 || e.Details["activeUsers"] != 1 || e.Details["maxActiveUsers"] != 1 {
		t.Fatalf("denial must carry position state, got %+v", e.Details)
	}
	if e.HTTP != 403 {
		t.Fatalf("expected 403, got %d", e.HTTP)
	}

	if _, err := c.CreateSession(ctx, "stranger"); !errs.Is(err, errs.CodeNotYourTurn) {
		t.Fatalf("unqueued key with waiters must be denied, got %v", err)
	}
}

func TestCreateSessionIdempotentForActiveKey(t *testing.T) {
	c, _, _ := newTestCoordinator(1)
	ctx := context.Background()
	joined := mustJoin(t, c, "a")
	session, err := c.CreateSession(ctx, "a")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.SessionToken != joined.SessionToken || session.RedirectTo != defaultRedirectTo {
		t.Fatalf("expected existing session, got %+v", session)
	}
}

func TestCreateSessionUnqueuedWithEmptyQueue(t *testing.T) {
	c, notifier, _ := newTestCoordinator(1, WithRedirectTo("/pay"))
	session, err := c.CreateSession(context.Background(), "walk-in")
	if err != nil || !session.Success || session.RedirectTo != "/pay" {
		t.Fatalf("expected admission, got %+v %v", session, err)
	}
	if notifier.admissionCount() != 1 {
		t.Fatalf("expected admission notification")
	}
}

func TestEndSessionAlwaysSucceeds(t *testing.T) {
	c, _, _ := newTestCoordinator(1)
	res, err := c.EndSession(context.Background(), "nobody")
	if err != nil || !res.Success || res.Released || res.Completed {
		t.Fatalf("expected benign success, got %+v %v", res, err)
	}
}

func TestAdminOperations(t *testing.T) {
	c, notifier, store := newTestCoordinator(1)
	ctx := context.Background()
	mustJoin(t, c, "a")
	mustJoin(t, c, "b")
	mustJoin(t, c, "c")

	key, ok := c.ProcessNext(ctx)
	if !ok || key != "b" {
		t.Fatalf("expected b processed, got %q %v", key, ok)
	}
	if got := c.ClearProcessing(ctx); got != 1 {
		t.Fatalf("expected one processing entry cleared, got %d", got)
	}
	cleared := c.ForceClear(ctx)
	if cleared.ClearedQueue != 1 || cleared.ClearedProcessing != 0 {
		t.Fatalf("unexpected clear result %+v", cleared)
	}
	if store.Summary().ActiveUsers != 1 {
		t.Fatalf("force clear keeps active sessions")
	}
	if got := notifier.promotedKeys(); len(got) != 0 {
		t.Fatalf("no slot freed, expected no promotion, got %v", got)
	}
}

func TestRestorePromotesEligibleHead(t *testing.T) {
	c, notifier, store := newTestCoordinator(2)
	state := queue.State{
		Version:        queue.Version{Epoch: 1, Seq: 9},
		Queue:          []queue.Entry{{Key: "q1", Position: 1}, {Key: "q2", Position: 2}},
		Processing:     []string{"p"},
		Active:         []string{"a"},
		MaxActiveUsers: 2,
	}
	result := c.Restore(context.Background(), state)
	if result.Queued != 2 || result.Active != 1 || result.Processing != 1 {
		t.Fatalf("unexpected restore result %+v", result)
	}
	if got := notifier.promotedKeys(); len(got) != 1 || got[0] != "q1" {
		t.Fatalf("expected q1 promoted, got %v", got)
	}
	if store.Epoch() == 1 {
		t.Fatalf("restore must keep the owner's epoch")
	}
}

func TestReapExpiresSessionsAndPromotes(t *testing.T) {
	clock := newFakeClock()
	store := queue.NewStore(1, queue.WithClock(clock.Now))
	notifier := &recordingNotifier{}
	c := NewCoordinator(store, notifier, WithSessionTTL(time.Minute), WithProcessingTimeout(5*time.Second))
	ctx := context.Background()

	mustJoin(t, c, "a")
	mustJoin(t, c, "b")
	if _, ok := c.ProcessNext(ctx); !ok {
		t.Fatalf("expected b processed")
	}
	mustJoin(t, c, "c")

	clock.Advance(10 * time.Second)
	if got := c.Reap(ctx); got != 1 {
		t.Fatalf("expected the processing entry to expire, got %d", got)
	}
	if len(store.Snapshot().ProcessingKeys) != 0 {
		t.Fatalf("expected processing set drained")
	}

	clock.Advance(time.Minute)
	if got := c.Reap(ctx); got != 1 {
		t.Fatalf("expected session expiry, got %d", got)
	}
	if store.Summary().ActiveUsers != 0 {
		t.Fatalf("expected a's slot released")
	}
	if got := notifier.promotedKeys(); len(got) != 1 || got[0] != "c" {
		t.Fatalf("expected c promoted after expiry, got %v", got)
	}
}

func TestReapDisabledWithZeroTTL(t *testing.T) {
	clock := newFakeClock()
	store := queue.NewStore(1, queue.WithClock(clock.Now))
	c := NewCoordinator(store, nil, WithProcessingTimeout(0))
	mustJoin(t, c, "a")
	clock.Advance(24 * time.Hour)
	if got := c.Reap(context.Background()); got != 0 {
		t.Fatalf("expected nothing reaped, got %d", got)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	c, _, _ := newTestCoordinator(1, WithReapInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

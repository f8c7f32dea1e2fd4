package queue

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/waitroom/errs"
)

// ErrCapacityExceeded is returned by Admit when every slot is taken.
var ErrCapacityExceeded = errs.New("queue/admit", errs.CodeCapacityExceeded, errs.WithMessage("active user limit reached"))

// Option configures a Store.
type Option func(*Store)

// WithObserver registers the change observer.
func WithObserver(observer Observer) Option {
	return func(s *Store) {
		s.observer = observer
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEpoch pins the store epoch. The default is the construction time in unix nanoseconds.
func WithEpoch(epoch int64) Option {
	return func(s *Store) {
		if epoch > 0 {
			s.epoch = epoch
		}
	}
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// Store is the authoritative in-memory queue. Every mutation runs inside one
// critical section; compound decisions go through Do.
type Store struct {
	mu sync.Mutex

	maxActive  int
	entries    []*Entry
	index      map[string]*Entry
	processing map[string]time.Time
	active     map[string]ActiveSession

	epoch    int64
	seq      uint64
	observer Observer
	now      func() time.Time
	newID    func() uuid.UUID
}

// NewStore constructs a Store admitting at most maxActiveUsers concurrent sessions.
func NewStore(maxActiveUsers int, opts ...Option) *Store {
	if maxActiveUsers < 0 {
		maxActiveUsers = 0
	}
	s := &Store{
		mu:         sync.Mutex{},
		maxActive:  maxActiveUsers,
		entries:    nil,
		index:      make(map[string]*Entry),
		processing: make(map[string]time.Time),
		active:     make(map[string]ActiveSession),
		epoch:      0,
		seq:        0,
		observer:   nil,
		now:        time.Now,
		newID:      uuid.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.epoch == 0 {
		s.epoch = s.now().UnixNano()
	}
	return s
}

// SetObserver replaces the change observer. It is intended for wiring at start-up.
func (s *Store) SetObserver(observer Observer) {
	s.mu.Lock()
	s.observer = observer
	s.mu.Unlock()
}

// Do runs fn inside the store's critical section. If fn mutated observable
// state, the sequence advances once and the observer sees the resulting state.
func (s *Store) Do(fn func(tx *Txn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Txn{s: s, changed: false}
	fn(tx)
	if tx.changed {
		s.seq++
		if s.observer != nil {
			s.observer.StoreChanged(s.stateLocked())
		}
	}
}

// Enqueue appends key, or returns its existing position and id unchanged.
func (s *Store) Enqueue(key string) (position int, id uuid.UUID, created bool) {
	s.Do(func(tx *Txn) {
		position, id, created = tx.Enqueue(key)
	})
	return position, id, created
}

// Dequeue moves the head into the processing set.
func (s *Store) Dequeue() (key string, ok bool) {
	s.Do(func(tx *Txn) {
		key, ok = tx.Dequeue()
	})
	return key, ok
}

// RemoveByKey removes an arbitrary waiting entry. When the removed entry was
// the head, newHead names the entry that replaced it.
func (s *Store) RemoveByKey(key string) (removed bool, formerPosition int, newHead string) {
	s.Do(func(tx *Txn) {
		removed, formerPosition, newHead = tx.RemoveByKey(key)
	})
	return removed, formerPosition, newHead
}

// CompleteProcessing removes key from the processing set.
func (s *Store) CompleteProcessing(key string) bool {
	var done bool
	s.Do(func(tx *Txn) {
		done = tx.CompleteProcessing(key)
	})
	return done
}

// Admit grants key a capacity slot or fails with ErrCapacityExceeded.
func (s *Store) Admit(key, token string) (ActiveSession, error) {
	var (
		session ActiveSession
		err     error
	)
	s.Do(func(tx *Txn) {
		session, err = tx.Admit(key, token)
	})
	return session, err
}

// Release frees key's slot. promote names the head that became eligible.
func (s *Store) Release(key string) (released bool, promote string) {
	s.Do(func(tx *Txn) {
		released, promote = tx.Release(key)
	})
	return released, promote
}

// ForceClear empties the queue and the processing set.
func (s *Store) ForceClear() ClearResult {
	var result ClearResult
	s.Do(func(tx *Txn) {
		result = tx.ForceClear()
	})
	return result
}

// ClearProcessing empties only the processing set.
func (s *Store) ClearProcessing() int {
	var n int
	s.Do(func(tx *Txn) {
		n = tx.ClearProcessing()
	})
	return n
}

// Snapshot returns the diagnostic view.
func (s *Store) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Summary:        s.summaryLocked(),
		ProcessingKeys: sortedKeys(s.processing),
	}
}

// Summary returns the public counts.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

// State returns a full-sync snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Position returns key's status view.
func (s *Store) Position(key string) Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(key)
}

// MaxActiveUsers returns the capacity limit.
func (s *Store) MaxActiveUsers() int {
	return s.maxActive
}

// Epoch returns the store's epoch.
func (s *Store) Epoch() int64 {
	return s.epoch
}

// ExpiredSessions lists active keys admitted more than ttl ago.
func (s *Store) ExpiredSessions(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-ttl)
	var out []string
	for key, session := range s.active {
		if session.AdmittedAt.Before(cutoff) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// ExpiredProcessing lists processing keys dequeued more than timeout ago.
func (s *Store) ExpiredProcessing(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-timeout)
	var out []string
	for key, since := range s.processing {
		if since.Before(cutoff) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Restore replaces all collections with the snapshot, keeping this store's
// epoch. Active keys beyond the capacity limit are dropped.
func (s *Store) Restore(state State) RestoreResult {
	var result RestoreResult
	s.Do(func(tx *Txn) {
		now := s.now()
		s.entries = s.entries[:0]
		s.index = make(map[string]*Entry, len(state.Queue))
		s.processing = make(map[string]time.Time, len(state.Processing))
		s.active = make(map[string]ActiveSession, len(state.Active))

		for _, key := range state.Active {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if _, dup := s.active[key]; dup {
				continue
			}
			if len(s.active) >= s.maxActive {
				result.DroppedActive++
				continue
			}
			s.active[key] = ActiveSession{Key: key, Token: uuid.NewString(), AdmittedAt: now}
		}

		queued := append([]Entry(nil), state.Queue...)
		sort.SliceStable(queued, func(i, j int) bool { return queued[i].Position < queued[j].Position })
		for _, entry := range queued {
			key := strings.TrimSpace(entry.Key)
			if key == "" {
				continue
			}
			if _, dup := s.index[key]; dup {
				continue
			}
			if _, isActive := s.active[key]; isActive {
				continue
			}
			restored := &Entry{ID: entry.ID, Key: key, EnqueuedAt: entry.EnqueuedAt, Position: 0}
			if restored.ID == uuid.Nil {
				restored.ID = s.newID()
			}
			s.entries = append(s.entries, restored)
			s.index[key] = restored
		}
		s.renumberFrom(0)

		for _, key := range state.Processing {
			if key = strings.TrimSpace(key); key != "" {
				s.processing[key] = now
			}
		}

		result.Queued = len(s.entries)
		result.Processing = len(s.processing)
		result.Active = len(s.active)
		tx.changed = true
	})
	return result
}

func (s *Store) summaryLocked() Summary {
	return Summary{
		Version:        Version{Epoch: s.epoch, Seq: s.seq},
		TotalInQueue:   len(s.entries),
		Processing:     len(s.processing),
		ActiveUsers:    len(s.active),
		MaxActiveUsers: s.maxActive,
		Timestamp:      s.now(),
	}
}

func (s *Store) stateLocked() State {
	queue := make([]Entry, len(s.entries))
	for i, entry := range s.entries {
		queue[i] = *entry
	}
	return State{
		Version:        Version{Epoch: s.epoch, Seq: s.seq},
		Queue:          queue,
		Processing:     sortedKeys(s.processing),
		Active:         sortedKeys(s.active),
		MaxActiveUsers: s.maxActive,
		Timestamp:      s.now(),
	}
}

func (s *Store) positionLocked(key string) Position {
	position := 0
	if entry, ok := s.index[key]; ok {
		position = entry.Position
	}
	_, active := s.active[key]
	return NewPosition(key, position, active, len(s.entries), len(s.active), s.maxActive)
}

func (s *Store) renumberFrom(start int) {
	for i := start; i < len(s.entries); i++ {
		s.entries[i].Position = i + 1
	}
}

func (s *Store) removeAt(i int) *Entry {
	removed := s.entries[i]
	copy(s.entries[i:], s.entries[i+1:])
	s.entries[len(s.entries)-1] = nil
	s.entries = s.entries[:len(s.entries)-1]
	delete(s.index, removed.Key)
	s.renumberFrom(i)
	return removed
}

func (s *Store) headKeyLocked() string {
	if len(s.entries) == 0 {
		return ""
	}
	return s.entries[0].Key
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

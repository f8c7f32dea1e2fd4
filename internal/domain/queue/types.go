// Package queue holds the authoritative waiting-room state: the FIFO queue of
// waiting keys, the processing set, and the capacity-bounded set of active sessions.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Entry is a single waiting key. Position is 1-based and always contiguous.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	Key        string    `json:"key"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Position   int       `json:"position"`
}

// ActiveSession is an admitted key holding one capacity slot.
type ActiveSession struct {
	Key        string    `json:"key"`
	Token      string    `json:"-"`
	AdmittedAt time.Time `json:"admittedAt"`
}

// Version orders state snapshots. Epoch identifies the owning process
// incarnation; Seq increases with every observable mutation inside an epoch.
type Version struct {
	Epoch int64  `json:"epoch"`
	Seq   uint64 `json:"seq"`
}

// Before reports whether v is strictly older than other.
func (v Version) Before(other Version) bool {
	if v.Epoch != other.Epoch {
		return v.Epoch < other.Epoch
	}
	return v.Seq < other.Seq
}

// IsZero reports whether no state has been observed yet.
func (v Version) IsZero() bool {
	return v.Epoch == 0 && v.Seq == 0
}

// Summary is the public queue view. It carries counts only.
type Summary struct {
	Version
	TotalInQueue   int       `json:"totalInQueue"`
	Processing     int       `json:"processing"`
	ActiveUsers    int       `json:"activeUsers"`
	MaxActiveUsers int       `json:"maxActiveUsers"`
	Timestamp      time.Time `json:"timestamp"`
}

// HasCapacity reports whether another key may be admitted.
func (s Summary) HasCapacity() bool {
	return s.ActiveUsers < s.MaxActiveUsers
}

// Info is the diagnostic view; it includes processing keys and must not be broadcast.
type Info struct {
	Summary
	ProcessingKeys []string `json:"processingKeys"`
}

// State is the full-sync snapshot used to converge replicas.
type State struct {
	Version
	Queue          []Entry   `json:"queue"`
	Processing     []string  `json:"processing"`
	Active         []string  `json:"active"`
	MaxActiveUsers int       `json:"maxActiveUsers"`
	Timestamp      time.Time `json:"timestamp"`
}

// Summary derives the public counts from the snapshot.
func (s State) Summary() Summary {
	return Summary{
		Version:        s.Version,
		TotalInQueue:   len(s.Queue),
		Processing:     len(s.Processing),
		ActiveUsers:    len(s.Active),
		MaxActiveUsers: s.MaxActiveUsers,
		Timestamp:      s.Timestamp,
	}
}

// Position is the per-key status view.
type Position struct {
	Key            string `json:"key"`
	Position       int    `json:"position"`
	Queued         bool   `json:"queued"`
	Active         bool   `json:"active"`
	IsMyTurn       bool   `json:"isMyTurn"`
	DirectAccess   bool   `json:"directAccess"`
	TotalInQueue   int    `json:"totalInQueue"`
	ActiveUsers    int    `json:"activeUsers"`
	MaxActiveUsers int    `json:"maxActiveUsers"`
}

// ClearResult reports what an administrative clear removed.
type ClearResult struct {
	ClearedQueue      int `json:"clearedQueue"`
	ClearedProcessing int `json:"clearedProcessing"`
}

// RestoreResult reports what was rebuilt from a full-sync snapshot.
type RestoreResult struct {
	Queued        int
	Processing    int
	Active        int
	DroppedActive int
}

// Observer is notified after every observable mutation, inside the store's
// critical section. Implementations must not block or call back into the store.
type Observer interface {
	StoreChanged(State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(State)

// StoreChanged implements Observer.
func (f ObserverFunc) StoreChanged(s State) { f(s) }

// NewPosition derives the status view for a key from raw counts. Position 1
// with no free slot is waiting, not yet the key's turn.
func NewPosition(key string, position int, active bool, totalInQueue, activeUsers, maxActiveUsers int) Position {
	queued := position > 0
	hasCapacity := activeUsers < maxActiveUsers
	return Position{
		Key:            key,
		Position:       position,
		Queued:         queued,
		Active:         active,
		IsMyTurn:       position == 1 && hasCapacity,
		DirectAccess:   active || (!queued && activeUsers+totalInQueue < maxActiveUsers),
		TotalInQueue:   totalInQueue,
		ActiveUsers:    activeUsers,
		MaxActiveUsers: maxActiveUsers,
	}
}

// PositionOf derives a key's status from a full-sync snapshot.
func (s State) PositionOf(key string) Position {
	position := 0
	for i := range s.Queue {
		if s.Queue[i].Key == key {
			position = s.Queue[i].Position
			break
		}
	}
	active := false
	for _, k := range s.Active {
		if k == key {
			active = true
			break
		}
	}
	return NewPosition(key, position, active, len(s.Queue), len(s.Active), s.MaxActiveUsers)
}

// Promotion announces that Key reached the head of the queue while a slot is free.
type Promotion struct {
	Version
	Key      string `json:"key"`
	Position int    `json:"position"`
}

// Admission announces that Key moved from the queue into an active session.
type Admission struct {
	Version
	Key        string    `json:"key"`
	AdmittedAt time.Time `json:"admittedAt"`
}

// LeaveResult reports the outcome of a leave request. Leaving an absent key is
// a benign no-op reported with Success false.
type LeaveResult struct {
	Success        bool   `json:"success"`
	WasInQueue     bool   `json:"wasInQueue"`
	WasActive      bool   `json:"wasActive"`
	FormerPosition int    `json:"formerPosition,omitempty"`
	Forwarded      bool   `json:"forwarded,omitempty"`
	Message        string `json:"message"`
}

// EndResult reports the outcome of ending a session.
type EndResult struct {
	Success   bool `json:"success"`
	Released  bool `json:"released"`
	Completed bool `json:"completed"`
}

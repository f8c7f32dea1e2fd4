package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Txn exposes store primitives inside a Do critical section. It must not be
// retained after the callback returns.
type Txn struct {
	s       *Store
	changed bool
}

// Enqueue appends key to the tail. An existing key keeps its position and id.
func (tx *Txn) Enqueue(key string) (int, uuid.UUID, bool) {
	s := tx.s
	if existing, ok := s.index[key]; ok {
		return existing.Position, existing.ID, false
	}
	entry := &Entry{
		ID:         s.newID(),
		Key:        key,
		EnqueuedAt: s.now(),
		Position:   len(s.entries) + 1,
	}
	s.entries = append(s.entries, entry)
	s.index[key] = entry
	s.renumberFrom(len(s.entries) - 1)
	tx.changed = true
	return entry.Position, entry.ID, true
}

// Dequeue removes the head and records it as processing.
func (tx *Txn) Dequeue() (string, bool) {
	s := tx.s
	if len(s.entries) == 0 {
		return "", false
	}
	head := s.removeAt(0)
	s.processing[head.Key] = s.now()
	tx.changed = true
	return head.Key, true
}

// RemoveByKey removes a waiting entry anywhere in the queue.
func (tx *Txn) RemoveByKey(key string) (bool, int, string) {
	s := tx.s
	entry, ok := s.index[key]
	if !ok {
		return false, 0, ""
	}
	former := entry.Position
	s.removeAt(former - 1)
	tx.changed = true
	newHead := ""
	if former == 1 {
		newHead = s.headKeyLocked()
	}
	return true, former, newHead
}

// CompleteProcessing drops key from the processing set.
func (tx *Txn) CompleteProcessing(key string) bool {
	s := tx.s
	if _, ok := s.processing[key]; !ok {
		return false
	}
	delete(s.processing, key)
	tx.changed = true
	return true
}

// Admit adds key to the active set iff a slot is free. An already-active key
// returns its existing session. A queued key leaves the queue on admission.
func (tx *Txn) Admit(key, token string) (ActiveSession, error) {
	s := tx.s
	if session, ok := s.active[key]; ok {
		return session, nil
	}
	if len(s.active) >= s.maxActive {
		return ActiveSession{}, ErrCapacityExceeded
	}
	if entry, queued := s.index[key]; queued {
		s.removeAt(entry.Position - 1)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		token = uuid.NewString()
	}
	session := ActiveSession{Key: key, Token: token, AdmittedAt: s.now()}
	s.active[key] = session
	tx.changed = true
	return session, nil
}

// Release frees key's slot. When the queue is non-empty and a slot is now
// free, the returned key is the head that must be promoted.
func (tx *Txn) Release(key string) (bool, string) {
	s := tx.s
	if _, ok := s.active[key]; !ok {
		return false, ""
	}
	delete(s.active, key)
	tx.changed = true
	if len(s.entries) > 0 && len(s.active) < s.maxActive {
		return true, s.headKeyLocked()
	}
	return true, ""
}

// ForceClear empties the queue and processing set. Active sessions survive.
func (tx *Txn) ForceClear() ClearResult {
	s := tx.s
	result := ClearResult{ClearedQueue: len(s.entries), ClearedProcessing: len(s.processing)}
	if result.ClearedQueue == 0 && result.ClearedProcessing == 0 {
		return result
	}
	s.entries = nil
	s.index = make(map[string]*Entry)
	s.processing = make(map[string]time.Time)
	tx.changed = true
	return result
}

// ClearProcessing empties the processing set.
func (tx *Txn) ClearProcessing() int {
	s := tx.s
	n := len(s.processing)
	if n == 0 {
		return 0
	}
	s.processing = make(map[string]time.Time)
	tx.changed = true
	return n
}

// Lookup returns the waiting entry for key.
func (tx *Txn) Lookup(key string) (Entry, bool) {
	entry, ok := tx.s.index[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Session returns key's active session.
func (tx *Txn) Session(key string) (ActiveSession, bool) {
	session, ok := tx.s.active[key]
	return session, ok
}

// Head returns the key at position 1.
func (tx *Txn) Head() (string, bool) {
	head := tx.s.headKeyLocked()
	return head, head != ""
}

// ProcessingSince returns when key entered the processing set.
func (tx *Txn) ProcessingSince(key string) (time.Time, bool) {
	since, ok := tx.s.processing[key]
	return since, ok
}

// Now returns the store clock's current time.
func (tx *Txn) Now() time.Time { return tx.s.now() }

// Len returns the queue length.
func (tx *Txn) Len() int { return len(tx.s.entries) }

// ActiveCount returns the number of admitted keys.
func (tx *Txn) ActiveCount() int { return len(tx.s.active) }

// HasCapacity reports whether a slot is free.
func (tx *Txn) HasCapacity() bool { return len(tx.s.active) < tx.s.maxActive }

// Position returns key's status view as of this point in the transaction.
func (tx *Txn) Position(key string) Position { return tx.s.positionLocked(key) }

// Summary returns the counts as they will be published if the transaction commits.
func (tx *Txn) Summary() Summary {
	summary := tx.s.summaryLocked()
	summary.Version = tx.Version()
	return summary
}

// Version returns the version the store will carry once the transaction ends.
func (tx *Txn) Version() Version {
	seq := tx.s.seq
	if tx.changed {
		seq++
	}
	return Version{Epoch: tx.s.epoch, Seq: seq}
}

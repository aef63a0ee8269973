package raft

import (
	"fmt"
	"sync"
)

// memLog is a pure in-memory Log, used by the cluster test harness so
// it can spin up many servers per test without touching disk (spec
// §8's "a fake in-process transport (no HTTP, no bolt)").
type memLog struct {
	mu       sync.Mutex
	entries  []Entry
	metadata PersistentState
}

func newMemLog() *memLog { return &memLog{} }

func (l *memLog) Open() error  { return nil }
func (l *memLog) Close() error { return nil }

func (l *memLog) Append(entry Entry) (EntryId, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := EntryId(len(l.entries)) + 1
	entry.Id = id
	l.entries = append(l.entries, entry)
	return id, nil
}

func (l *memLog) LastId() EntryId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return EntryId(len(l.entries))
}

func (l *memLog) Get(id EntryId) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 1 || int(id) > len(l.entries) {
		return Entry{}, fmt.Errorf("entry id %d out of range [1, %d]", id, len(l.entries))
	}
	return l.entries[id-1], nil
}

func (l *memLog) Term(id EntryId) Term {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == 0 || int(id) > len(l.entries) {
		return 0
	}
	return l.entries[id-1].Term
}

func (l *memLog) BeginLastTermId() EntryId {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return 0
	}

	lastTerm := l.entries[len(l.entries)-1].Term
	i := len(l.entries) - 1
	for i > 0 && l.entries[i-1].Term == lastTerm {
		i--
	}
	return l.entries[i].Id
}

func (l *memLog) Truncate(lastKeptId EntryId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if int(lastKeptId) >= len(l.entries) {
		return nil
	}
	l.entries = l.entries[:lastKeptId]
	return nil
}

func (l *memLog) Metadata() PersistentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metadata
}

func (l *memLog) UpdateMetadata(state PersistentState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metadata = state
	return nil
}

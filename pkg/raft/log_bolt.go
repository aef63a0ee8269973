package raft

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/boltdb/bolt"
)

var (
	entriesBucket  = []byte("entries")
	metadataBucket = []byte("metadata")
	metadataKey    = []byte("state")
)

// BoltLog is a Log backed by a single boltdb file. Entries are kept
// durably in the "entries" bucket, keyed by their 8-byte big-endian
// id, and mirrored in an in-memory slice for fast Get/Term/LastId
// lookups, the way LogCabin's own Log class keeps entries in a vector
// indexed by "entryId - 1" backed by on-disk files. The metadata
// record lives in its own single-key bucket.
//
// Every Append, Truncate, and UpdateMetadata call commits a bolt
// transaction before returning, which fsyncs the file: this is what
// makes the durability guarantee of spec §4.1 hold.
type BoltLog struct {
	filePath string
	logger   Logger

	mu       sync.Mutex
	db       *bolt.DB
	entries  []Entry
	metadata PersistentState
}

// NewBoltLog creates a Log that stores its data in filePath.
func NewBoltLog(filePath string, logger Logger) *BoltLog {
	if logger == nil {
		logger = NopLogger{}
	}
	return &BoltLog{filePath: filePath, logger: logger}
}

func (l *BoltLog) Open() error {
	db, err := bolt.Open(l.filePath, 0600, nil)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", l.filePath, err)
	}
	l.db = db

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("cannot initialize buckets in %q: %w", l.filePath, err)
	}

	if err := l.loadEntries(); err != nil {
		db.Close()
		return err
	}
	if err := l.loadMetadata(); err != nil {
		db.Close()
		return err
	}

	l.logger.Debug(1, "opened log %q: %d entries, currentTerm %d, votedFor %d",
		l.filePath, len(l.entries), l.metadata.CurrentTerm, l.metadata.VotedFor)

	return nil
}

func (l *BoltLog) loadEntries() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		entries := make([]Entry, 0, b.Stats().KeyN)

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entry, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("cannot decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, entry)
		}

		l.entries = entries
		return nil
	})
}

func (l *BoltLog) loadMetadata() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get(metadataKey)
		if data == nil {
			l.metadata = PersistentState{}
			return nil
		}

		return decodeMetadata(data, &l.metadata)
	})
}

func (l *BoltLog) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *BoltLog) LastId() EntryId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIdLocked()
}

func (l *BoltLog) lastIdLocked() EntryId {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Id
}

func (l *BoltLog) Get(id EntryId) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lastId := l.lastIdLocked()
	if id < 1 || id > lastId {
		return Entry{}, fmt.Errorf("entry id %d out of range [1, %d]", id, lastId)
	}
	return l.entries[id-1], nil
}

func (l *BoltLog) Term(id EntryId) Term {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id == 0 || id > l.lastIdLocked() {
		return 0
	}
	return l.entries[id-1].Term
}

func (l *BoltLog) BeginLastTermId() EntryId {
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

func (l *BoltLog) Append(entry Entry) (EntryId, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.lastIdLocked() + 1
	entry.Id = id

	data, err := encodeEntry(entry)
	if err != nil {
		return 0, fmt.Errorf("cannot encode entry %d: %w", id, err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		return b.Put(entryKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("cannot persist entry %d: %w", id, err)
	}

	l.entries = append(l.entries, entry)
	l.logger.Debug(2, "appended entry %d (term %d, type %v)", id, entry.Term, entry.Type)

	return id, nil
}

func (l *BoltLog) Truncate(lastKeptId EntryId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lastId := l.lastIdLocked()
	if lastKeptId >= lastId {
		return nil
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for id := lastKeptId + 1; id <= lastId; id++ {
			if err := b.Delete(entryKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot truncate past %d: %w", lastKeptId, err)
	}

	l.entries = l.entries[:lastKeptId]
	l.logger.Debug(1, "truncated log to %d entries", lastKeptId)

	return nil
}

func (l *BoltLog) Metadata() PersistentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metadata
}

func (l *BoltLog) UpdateMetadata(state PersistentState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := encodeMetadata(state)
	if err != nil {
		return fmt.Errorf("cannot encode metadata: %w", err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		return b.Put(metadataKey, data)
	})
	if err != nil {
		return fmt.Errorf("cannot persist metadata: %w", err)
	}

	l.metadata = state
	return nil
}

func entryKey(id EntryId) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

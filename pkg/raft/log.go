package raft

// Log is the durable, ordered sequence of entries plus the small
// scalar metadata record, per spec §4.1. Implementations must not
// report success from Append, Truncate, or UpdateMetadata until the
// data is on stable storage. I/O failures are returned as errors; the
// log does not attempt partial recovery, and the consensus core logs
// such errors without stopping the process.
type Log interface {
	// Open loads the log and metadata from stable storage, creating
	// them if they do not exist.
	Open() error

	// Close releases the underlying storage handle.
	Close() error

	// Append assigns the next entry id (LastId()+1) and durably
	// stores the entry, ignoring any caller-supplied id. Returns the
	// assigned id.
	Append(entry Entry) (EntryId, error)

	// LastId returns 0 if the log is empty, otherwise the highest
	// assigned entry id.
	LastId() EntryId

	// Get returns the entry at id. Requires 1 <= id <= LastId().
	Get(id EntryId) (Entry, error)

	// Term returns the term stored at id, or 0 if id is 0 or greater
	// than LastId().
	Term(id EntryId) Term

	// BeginLastTermId returns the lowest id whose term equals
	// Term(LastId()), or 0 if the log is empty.
	BeginLastTermId() EntryId

	// Truncate removes every entry with id > lastKeptId. A no-op if
	// lastKeptId >= LastId(). Callers must never truncate at or
	// before the current commit index.
	Truncate(lastKeptId EntryId) error

	// Metadata returns the last metadata record read or written.
	Metadata() PersistentState

	// UpdateMetadata durably persists state as the new metadata
	// record.
	UpdateMetadata(state PersistentState) error
}

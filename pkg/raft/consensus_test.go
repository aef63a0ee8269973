package raft

import "testing"

// newTestCore builds a consensusCore around a memLog without calling
// Start, so no timer goroutines run and tests can drive the locked
// state machine directly and deterministically.
func newTestCore(t *testing.T, id ServerId, members []ServerDescriptor) *consensusCore {
	t.Helper()

	log := newMemLog()
	if len(members) > 0 {
		descriptor := ConfigDescriptor{NewServers: members}
		if _, err := log.Append(Entry{Type: EntryConfiguration, Configuration: &descriptor}); err != nil {
			t.Fatalf("cannot bootstrap configuration: %v", err)
		}
	}

	return NewConsensusCore(id, serverAddress(id), log, nil, NopLogger{}, testTunables())
}

func TestHandleRequestVoteGrantsForUpToDateCandidate(t *testing.T) {
	c := newTestCore(t, 1, descriptors(1, 2, 3))

	// The candidate's log matches this server's: the bootstrap
	// configuration entry at id 1, term 0.
	resp := c.HandleRequestVote(RequestVoteRequest{Term: 1, CandidateId: 2, LastLogId: 1, LastLogTerm: 0})
	if !resp.Granted {
		t.Fatalf("Granted = false, want true")
	}
	if resp.Term != 1 {
		t.Fatalf("Term = %d, want 1", resp.Term)
	}
}

func TestHandleRequestVoteDeniesStaleTerm(t *testing.T) {
	c := newTestCore(t, 1, descriptors(1, 2, 3))

	c.mu.Lock()
	c.currentTerm = 5
	c.mu.Unlock()

	resp := c.HandleRequestVote(RequestVoteRequest{Term: 3, CandidateId: 2, LastLogId: 0, LastLogTerm: 0})
	if resp.Granted {
		t.Fatalf("Granted = true for a stale term, want false")
	}
	if resp.Term != 5 {
		t.Fatalf("Term = %d, want 5", resp.Term)
	}
}

func TestHandleRequestVoteDeniesOutdatedLog(t *testing.T) {
	c := newTestCore(t, 1, descriptors(1, 2, 3))

	c.mu.Lock()
	if _, err := c.log.Append(Entry{Term: 4, Type: EntryData, Data: []byte("x")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	c.currentTerm = 4
	c.mu.Unlock()

	// Candidate claims an empty log in an earlier term: it cannot be
	// at least as up to date as this server's log.
	resp := c.HandleRequestVote(RequestVoteRequest{Term: 5, CandidateId: 2, LastLogId: 0, LastLogTerm: 0})
	if resp.Granted {
		t.Fatalf("Granted = true for an outdated log, want false")
	}
}

func TestHandleRequestVoteOnlyOneVotePerTerm(t *testing.T) {
	c := newTestCore(t, 1, descriptors(1, 2, 3))

	// Every candidate's log matches this server's bootstrap entry (id 1,
	// term 0), so only the one-vote-per-term rule decides.
	first := c.HandleRequestVote(RequestVoteRequest{Term: 1, CandidateId: 2, LastLogId: 1, LastLogTerm: 0})
	if !first.Granted {
		t.Fatalf("first vote should be granted")
	}

	second := c.HandleRequestVote(RequestVoteRequest{Term: 1, CandidateId: 3, LastLogId: 1, LastLogTerm: 0})
	if second.Granted {
		t.Fatalf("a second candidate in the same term should be denied once a vote is cast")
	}

	// A repeat request from the same candidate in the same term is
	// still granted (idempotent).
	third := c.HandleRequestVote(RequestVoteRequest{Term: 1, CandidateId: 2, LastLogId: 1, LastLogTerm: 0})
	if !third.Granted {
		t.Fatalf("repeat vote for the already-chosen candidate should be granted")
	}
}

func TestHandleAppendEntryAppendsAndCommits(t *testing.T) {
	c := newTestCore(t, 2, descriptors(1, 2, 3))

	req := AppendEntryRequest{
		Term:           1,
		LeaderId:       1,
		PrevLogId:      1, // the bootstrap configuration entry
		PrevLogTerm:    0,
		Entries:        []Entry{{Term: 1, Type: EntryData, Data: []byte("A")}},
		LeaderCommitId: 2,
	}

	resp := c.HandleAppendEntry(req)
	if !resp.Success {
		t.Fatalf("Success = false, want true")
	}
	if resp.LastLogId != 2 {
		t.Fatalf("LastLogId = %d, want 2", resp.LastLogId)
	}

	c.mu.Lock()
	committed := c.committedId
	leader := c.leaderId
	c.mu.Unlock()
	if committed != 2 {
		t.Fatalf("committedId = %d, want 2", committed)
	}
	if leader != 1 {
		t.Fatalf("leaderId = %d, want 1", leader)
	}

	entry, err := c.log.Get(2)
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	if string(entry.Data) != "A" {
		t.Fatalf("entry 2 data = %q, want %q", entry.Data, "A")
	}
}

func TestHandleAppendEntryRejectsLogInconsistency(t *testing.T) {
	c := newTestCore(t, 2, descriptors(1, 2, 3))

	req := AppendEntryRequest{
		Term:        1,
		LeaderId:    1,
		PrevLogId:   5, // far beyond this follower's log
		PrevLogTerm: 1,
		Entries:     []Entry{{Term: 1, Type: EntryData, Data: []byte("A")}},
	}

	resp := c.HandleAppendEntry(req)
	if resp.Success {
		t.Fatalf("Success = true, want false: prevLogId is beyond the follower's log")
	}
}

func TestHandleAppendEntryTruncatesConflictingTail(t *testing.T) {
	c := newTestCore(t, 2, descriptors(1, 2, 3))

	c.mu.Lock()
	if _, err := c.log.Append(Entry{Term: 1, Type: EntryData, Data: []byte("stale")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	c.mu.Unlock()

	req := AppendEntryRequest{
		Term:        2,
		LeaderId:    1,
		PrevLogId:   1,
		PrevLogTerm: 0,
		Entries:     []Entry{{Term: 2, Type: EntryData, Data: []byte("fresh")}},
	}

	resp := c.HandleAppendEntry(req)
	if !resp.Success {
		t.Fatalf("Success = false, want true")
	}

	entry, err := c.log.Get(2)
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	if string(entry.Data) != "fresh" {
		t.Fatalf("entry 2 data = %q, want %q (conflicting tail should have been truncated)", entry.Data, "fresh")
	}
}

func TestStartNewElectionSingleServerBecomesLeaderImmediately(t *testing.T) {
	c := newTestCore(t, 1, descriptors(1))

	c.mu.Lock()
	c.startNewElectionLocked()
	state := c.state
	term := c.currentTerm
	c.mu.Unlock()

	if state != StateLeader {
		t.Fatalf("state = %v, want leader: a single-server cluster is its own quorum", state)
	}
	if term != 1 {
		t.Fatalf("currentTerm = %d, want 1", term)
	}
}

func TestReplicateSingleServerCommitsImmediately(t *testing.T) {
	c := newTestCore(t, 1, descriptors(1))

	c.mu.Lock()
	c.startNewElectionLocked()
	c.mu.Unlock()

	result, id := c.Replicate([]byte("hello"))
	if result != ResultSuccess {
		t.Fatalf("Replicate() = %v, want success", result)
	}

	entry, err := c.log.Get(id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	if string(entry.Data) != "hello" {
		t.Fatalf("entry %d data = %q, want %q", id, entry.Data, "hello")
	}
}

func TestReplicateNotLeaderWhenFollower(t *testing.T) {
	c := newTestCore(t, 1, descriptors(1, 2, 3))

	result, id := c.Replicate([]byte("hello"))
	if result != ResultNotLeader {
		t.Fatalf("Replicate() = %v, want not_leader", result)
	}
	if id != 0 {
		t.Fatalf("id = %d, want 0", id)
	}
}

func TestStepDownResetsVoteAndRole(t *testing.T) {
	c := newTestCore(t, 1, descriptors(1, 2, 3))

	c.mu.Lock()
	c.startNewElectionLocked()
	if c.state != StateCandidate {
		t.Fatalf("state = %v, want candidate before stepping down", c.state)
	}
	c.stepDownLocked(c.currentTerm + 1)
	state := c.state
	votedFor := c.votedFor
	c.mu.Unlock()

	if state != StateFollower {
		t.Fatalf("state = %v, want follower", state)
	}
	if votedFor != 0 {
		t.Fatalf("votedFor = %d, want 0 after a higher-term stepdown", votedFor)
	}
}

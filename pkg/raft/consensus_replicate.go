package raft

import (
	"context"
	"time"
)

// appendLocked appends entry to the log, installing it immediately if
// it carries a configuration (spec §4.4: "a server installs a
// configuration entry as soon as it is appended, whether or not it is
// committed"), and wakes every waiter. Must be called with the lock
// held.
func (c *consensusCore) appendLocked(entry Entry) (EntryId, error) {
	id, err := c.log.Append(entry)
	if err != nil {
		return 0, err
	}

	if entry.Type == EntryConfiguration {
		c.config.SetConfiguration(id, *entry.Configuration)
	}

	c.changed.broadcast()
	c.checkInvariants()
	return id, nil
}

// advanceCommittedIdLocked recomputes the commit index as the leader's
// quorum-min matched entry id, per spec §4.4's commit advancement
// rule: a quorum must agree on the entry AND it must be from the
// leader's current term (the classic Raft "never commit an entry from
// a previous term by counting replicas alone" restriction).
func (c *consensusCore) advanceCommittedIdLocked() {
	if c.state != StateLeader {
		return
	}

	n := c.quorumMinLastAgreeLocked()
	if n > c.committedId && c.log.Term(n) == c.currentTerm {
		old := c.committedId
		c.committedId = n
		c.logger.Debug(1, "commit index advanced from %d to %d", old, n)
		c.handleCommittedConfigurationLocked(old, n)
		c.changed.broadcast()
	}
	c.checkInvariants()
}

// handleCommittedConfigurationLocked updates the cached committed,
// stable configuration (spec §4.4's get_configuration: "returns the
// currently committed, stable configuration only") as committedId
// advances past (old, new]. If this server is leader and a newly
// committed stable configuration excludes it, it steps down (spec
// §4.4's membership change protocol, final step).
func (c *consensusCore) handleCommittedConfigurationLocked(old, upTo EntryId) {
	for id := old + 1; id <= upTo; id++ {
		entry, err := c.log.Get(id)
		if err != nil {
			continue
		}
		if entry.Type != EntryConfiguration || entry.Configuration.IsTransitional() {
			continue
		}

		c.committedStableConfigId = entry.Id
		c.committedStableConfig = entry.Configuration.NewServers

		if c.state == StateLeader && !containsServerId(entry.Configuration.NewServers, c.localId) {
			c.logger.Info("stepping down: excluded from newly committed configuration %d", entry.Id)
			c.stepDownLocked(c.currentTerm)
		}
	}
}

// onAppendEntryResponseLocked processes an AppendEntry response for
// peer, called by its peer driver with the lock held. requestTerm and
// req are the term and request this server was in when it was sent,
// used to discard stale responses and to compute the matched index.
func (c *consensusCore) onAppendEntryResponseLocked(peer *ServerRecord, requestTerm Term, req AppendEntryRequest, resp AppendEntryResponse, ok bool) {
	if !ok {
		peer.BackoffUntil = c.now().Add(c.tunables.RPCFailureBackoff)
		return
	}

	if resp.Term > c.currentTerm {
		c.stepDownLocked(resp.Term)
		return
	}

	if c.state != StateLeader || c.currentTerm != requestTerm {
		return
	}

	peer.LastAckEpoch = c.currentEpoch

	if !resp.Success {
		if peer.LastAgreeId > 0 {
			peer.LastAgreeId--
		}
		if resp.LastLogId < peer.LastAgreeId {
			peer.LastAgreeId = resp.LastLogId
		}
		c.changed.broadcast()
		return
	}

	if matched := req.PrevLogId + EntryId(len(req.Entries)); matched > peer.LastAgreeId {
		peer.LastAgreeId = matched
	}

	if peer.ThisCatchUpIterationGoalId != 0 && peer.LastAgreeId >= peer.ThisCatchUpIterationGoalId {
		elapsed := c.now().Sub(peer.ThisCatchUpIterationStart)
		peer.LastCatchUpIterationMs = elapsed.Milliseconds()
		peer.IsCaughtUp = elapsed <= c.tunables.FollowerTimeout
		peer.ThisCatchUpIterationGoalId = 0
	}

	c.advanceCommittedIdLocked()
	c.changed.broadcast()
}

// HandleAppendEntry implements the follower side of spec §4.4's
// AppendEntry RPC: term checks, log consistency check, truncate+append
// of any conflicting or new entries, and commit index advancement.
func (c *consensusCore) HandleAppendEntry(req AppendEntryRequest) AppendEntryResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.currentTerm {
		return AppendEntryResponse{Term: c.currentTerm, Success: false, LastLogId: c.log.LastId()}
	}

	if req.Term > c.currentTerm || c.state == StateCandidate {
		c.stepDownLocked(req.Term)
	}

	c.leaderId = req.LeaderId
	c.setFollowerTimer()

	if req.PrevLogId > 0 {
		if req.PrevLogId > c.log.LastId() || c.log.Term(req.PrevLogId) != req.PrevLogTerm {
			return AppendEntryResponse{Term: c.currentTerm, Success: false, LastLogId: c.log.LastId()}
		}
	}

	for i, entry := range req.Entries {
		id := req.PrevLogId + EntryId(i) + 1

		if c.log.Term(id) == entry.Term {
			continue
		}

		if id <= c.log.LastId() {
			if err := c.log.Truncate(id - 1); err != nil {
				c.logger.Error("cannot truncate log to %d: %v", id-1, err)
				return AppendEntryResponse{Term: c.currentTerm, Success: false, LastLogId: c.log.LastId()}
			}
			if c.config.Id() >= id {
				// The entry our installed configuration came from was
				// just truncated away; re-derive it from what remains.
				c.reloadConfiguration()
			}
		}

		if _, err := c.appendLocked(entry); err != nil {
			c.logger.Error("cannot append entry %d: %v", id, err)
			return AppendEntryResponse{Term: c.currentTerm, Success: false, LastLogId: c.log.LastId()}
		}
	}

	if req.LeaderCommitId > c.committedId {
		newCommitted := req.LeaderCommitId
		if lastId := c.log.LastId(); newCommitted > lastId {
			newCommitted = lastId
		}
		if newCommitted > c.committedId {
			old := c.committedId
			c.committedId = newCommitted
			c.handleCommittedConfigurationLocked(old, newCommitted)
			c.changed.broadcast()
		}
	}

	return AppendEntryResponse{Term: c.currentTerm, Success: true, LastLogId: c.log.LastId()}
}

// isLeaderReadyLocked reports whether this leader has committed at
// least one entry from its own current term, the precondition spec
// §4.4 places on servicing client replicate calls and configuration
// changes ("Until then, client replicate calls wait").
func (c *consensusCore) isLeaderReadyLocked() bool {
	return c.log.Term(c.committedId) == c.currentTerm
}

// canProceedAsLeaderLocked reports whether this server is still the
// kind of leader an in-flight client call may keep waiting on.
func (c *consensusCore) canProceedAsLeaderLocked() bool {
	return c.state == StateLeader && !c.exiting
}

func (c *consensusCore) leaderFailureResultLocked() ClientResult {
	if c.exiting {
		return ResultFail
	}
	return ResultNotLeader
}

// waitLocked blocks until the next broadcast, releasing the lock while
// waiting and reacquiring it before returning.
func (c *consensusCore) waitLocked() {
	ch := c.changed.wait()
	c.mu.Unlock()
	<-ch
	c.mu.Lock()
}

// LeaderHint returns the server this core last heard claim leadership,
// or 0 if unknown. Callers that get ResultNotLeader from Replicate (or
// any other public operation) may use it to pick a better server to
// retry against.
func (c *consensusCore) LeaderHint() ServerId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderId
}

// Replicate implements spec §4.4's public replicate operation: append
// entry carrying data to the log and wait for it to commit.
func (c *consensusCore) Replicate(data []byte) (ClientResult, EntryId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exiting {
		return ResultFail, 0
	}
	if c.state != StateLeader {
		return ResultNotLeader, 0
	}

	entry := Entry{Term: c.currentTerm, Type: EntryData, Data: data}
	return c.replicateEntryLocked(entry)
}

// replicateEntryLocked appends entry and blocks until it (or whatever
// later overwrote its slot) is decided. Must be called with the lock
// held and c already confirmed to be leader.
func (c *consensusCore) replicateEntryLocked(entry Entry) (ClientResult, EntryId) {
	for !c.isLeaderReadyLocked() {
		if !c.canProceedAsLeaderLocked() {
			return c.leaderFailureResultLocked(), 0
		}
		c.waitLocked()
	}

	id, err := c.appendLocked(entry)
	if err != nil {
		c.logger.Error("cannot append entry: %v", err)
		return ResultFail, 0
	}
	c.advanceCommittedIdLocked()

	for {
		if c.log.Term(id) != entry.Term {
			// A later leader truncated and overwrote this slot: our
			// entry never committed.
			return ResultNotLeader, 0
		}
		if c.committedId >= id {
			return ResultSuccess, id
		}
		if !c.canProceedAsLeaderLocked() {
			return c.leaderFailureResultLocked(), 0
		}
		c.waitLocked()
	}
}

// GetNextEntry implements spec §4.4's public get_next_entry operation:
// it blocks until an entry after lastAppliedId has committed, or ctx
// is cancelled, or the server is exiting.
func (c *consensusCore) GetNextEntry(ctx context.Context, lastAppliedId EntryId) (Entry, error) {
	c.mu.Lock()
	for {
		if c.exiting {
			c.mu.Unlock()
			return Entry{}, ErrExiting
		}
		if c.committedId > lastAppliedId {
			entry, err := c.log.Get(lastAppliedId + 1)
			c.mu.Unlock()
			return entry, err
		}

		ch := c.changed.wait()
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
		c.mu.Lock()
	}
}

// confirmLeadershipLocked implements spec §4.4's leader lease check: it
// bumps the epoch and waits (bounded by FollowerTimeout) for a quorum
// to acknowledge it, confirming this server is still the leader a
// quorum believes in, not a partitioned-away former leader.
func (c *consensusCore) confirmLeadershipLocked() bool {
	c.currentEpoch++
	target := c.currentEpoch
	deadline := c.now().Add(c.tunables.FollowerTimeout)

	for c.quorumMinAckEpochLocked() < target {
		if !c.canProceedAsLeaderLocked() {
			return false
		}

		now := c.now()
		if !now.Before(deadline) {
			return false
		}

		ch := c.changed.wait()
		c.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(deadline.Sub(now)):
		}
		c.mu.Lock()
	}

	return true
}

// GetLastCommittedId implements spec §4.4's public get_last_committed_id
// operation. A new leader first waits until it has committed an entry
// of its own term, and then requires a leader-lease confirmation before
// it may answer (otherwise a partitioned former leader could return a
// stale answer to a linearizable read).
func (c *consensusCore) GetLastCommittedId() (ClientResult, EntryId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exiting {
		return ResultFail, 0
	}
	if c.state != StateLeader {
		return ResultNotLeader, 0
	}
	for !c.isLeaderReadyLocked() {
		if !c.canProceedAsLeaderLocked() {
			return c.leaderFailureResultLocked(), 0
		}
		c.waitLocked()
	}
	if !c.confirmLeadershipLocked() {
		return ResultRetry, 0
	}
	return ResultSuccess, c.committedId
}

// GetConfiguration implements spec §4.4's public get_configuration
// operation: the currently committed, stable configuration only. A new
// leader first waits until it has committed an entry of its own term,
// so the answer covers every configuration committed before it.
func (c *consensusCore) GetConfiguration() (ClientResult, EntryId, []ServerDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exiting {
		return ResultFail, 0, nil
	}
	if c.state != StateLeader {
		return ResultNotLeader, 0, nil
	}
	for !c.isLeaderReadyLocked() {
		if !c.canProceedAsLeaderLocked() {
			return c.leaderFailureResultLocked(), 0, nil
		}
		c.waitLocked()
	}
	return ResultSuccess, c.committedStableConfigId, append([]ServerDescriptor(nil), c.committedStableConfig...)
}

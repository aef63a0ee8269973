package raft

import "time"

// startNewElectionLocked implements spec §4.4's start_new_election.
// Must be called with the lock held.
func (c *consensusCore) startNewElectionLocked() {
	c.currentTerm++
	c.votedFor = c.localId
	if err := c.updateMetadataLocked(); err != nil {
		// If we cannot persist the new term, we must not proceed: stay
		// a follower and try again at the next timer tick.
		c.currentTerm--
		c.votedFor = 0
		c.setFollowerTimer()
		return
	}

	c.state = StateCandidate
	c.leaderId = 0
	c.electionAttempt++

	lastLogId := c.log.LastId()
	lastLogTerm := c.log.Term(lastLogId)

	c.config.ForEach(func(s *ServerRecord) {
		if s.IsLocal {
			return
		}
		s.RequestVoteDone = false
		s.HaveVote = false
	})

	c.config.localServer.RequestVoteDone = true
	c.config.localServer.HaveVote = true

	c.logger.Info("starting election for term %d", c.currentTerm)

	if c.checkElectedLocked() {
		return
	}

	if c.config.State() == ConfigBlank {
		// No election is possible; remain follower in spirit (no
		// peers to ask), but the state machine already flipped to
		// candidate above to vote for itself. With a blank
		// configuration there can be no quorum, so just wait for the
		// timer; nothing to broadcast to.
		c.setCandidateTimer(c.electionAttempt)
		c.changed.broadcast()
		return
	}

	_ = lastLogTerm
	c.setCandidateTimer(c.electionAttempt)
	c.changed.broadcast()
}

// checkElectedLocked becomes leader if the current configuration
// already grants a quorum of votes (including the single-server
// cluster case, where self alone is a quorum). Returns true if it
// became leader.
func (c *consensusCore) checkElectedLocked() bool {
	if c.state != StateCandidate {
		return false
	}
	if c.config.State() == ConfigBlank {
		return false
	}

	if c.config.QuorumAll(func(s *ServerRecord) bool { return s.HaveVote }) {
		c.becomeLeaderLocked()
		return true
	}
	return false
}

// becomeLeaderLocked implements spec §4.4's "Becoming leader".
func (c *consensusCore) becomeLeaderLocked() {
	c.state = StateLeader
	c.leaderId = c.localId

	now := c.now()
	c.config.ForEach(func(s *ServerRecord) {
		if s.IsLocal {
			return
		}
		s.LastAgreeId = 0
		s.NextHeartbeatTime = now
		s.BackoffUntil = time.Time{}
	})

	c.currentEpoch++
	c.leaseEpoch = 0
	c.leaseEpochSetAt = time.Time{}

	c.logger.Info("became leader for term %d", c.currentTerm)

	// A fresh leader has nothing committed in its own term yet, and
	// nothing ever will commit until something is appended in it
	// (spec §4.4's leader-readiness rule). Appending a no-op entry
	// immediately gives commit advancement something to act on,
	// rather than waiting for the first real client write.
	if _, err := c.appendLocked(Entry{Term: c.currentTerm, Type: EntryData}); err != nil {
		c.logger.Error("cannot append leader no-op entry: %v", err)
	}
	c.advanceCommittedIdLocked()

	c.changed.broadcast()
	c.checkInvariants()
}

// HandleRequestVote implements spec §4.4's vote-granting logic. It
// acquires the lock itself so it can be called directly from the
// transport's inbound handler.
func (c *consensusCore) HandleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.currentTerm {
		return RequestVoteResponse{Term: c.currentTerm, Granted: false, LastLogId: c.log.LastId()}
	}

	if req.Term > c.currentTerm {
		c.stepDownLocked(req.Term)
	}

	lastLogId := c.log.LastId()
	lastLogTerm := c.log.Term(lastLogId)

	candidateUpToDate := req.LastLogTerm > lastLogTerm ||
		(req.LastLogTerm == lastLogTerm && req.LastLogId >= lastLogId)

	canVote := c.votedFor == 0 || c.votedFor == req.CandidateId
	granted := canVote && candidateUpToDate

	if granted {
		c.votedFor = req.CandidateId
		if err := c.updateMetadataLocked(); err != nil {
			return RequestVoteResponse{Term: c.currentTerm, Granted: false, LastLogId: lastLogId}
		}
		c.setFollowerTimer()
	}

	return RequestVoteResponse{Term: c.currentTerm, Granted: granted, LastLogId: lastLogId}
}

// onRequestVoteResponseLocked processes a RequestVote response for
// peer, called by the peer driver with the lock held. requestTerm is
// the term this server was in when the request was sent, used to
// discard stale responses from a prior election.
func (c *consensusCore) onRequestVoteResponseLocked(peer *ServerRecord, requestTerm Term, resp RequestVoteResponse, ok bool) {
	if !ok {
		peer.BackoffUntil = c.now().Add(c.tunables.RPCFailureBackoff)
		return
	}

	if resp.Term > c.currentTerm {
		c.stepDownLocked(resp.Term)
		return
	}

	if c.state != StateCandidate || c.currentTerm != requestTerm {
		// Stale response from a prior term or role; ignore.
		return
	}

	peer.RequestVoteDone = true
	peer.HaveVote = resp.Granted
	if resp.Granted && resp.LastLogId > peer.LastAgreeId {
		// Bootstraps lastAgreeId so the new leader doesn't have to
		// rediscover agreement from scratch.
		peer.LastAgreeId = resp.LastLogId
	}

	c.checkElectedLocked()
	c.changed.broadcast()
}

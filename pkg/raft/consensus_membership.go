package raft

import "time"

// SetConfiguration implements spec §4.4's public set_configuration
// operation and membership change protocol: catch up the new servers
// as non-voting staging listeners, then commit a transitional
// configuration followed by the new stable one (joint consensus),
// stepping down at the end if this leader is no longer a member.
//
// oldId must name the log entry the caller believes is the currently
// committed, stable configuration (the same value GetConfiguration
// last returned); this is the compare-and-swap spec §4.4 requires so a
// client can't race another set_configuration call using a stale view.
func (c *consensusCore) SetConfiguration(oldId EntryId, newServers []ServerDescriptor) ClientResult {
	c.mu.Lock()
	if c.exiting {
		c.mu.Unlock()
		return ResultFail
	}
	if c.state != StateLeader {
		c.mu.Unlock()
		return ResultNotLeader
	}
	if c.config.State() != ConfigStable || c.config.Id() != oldId {
		c.mu.Unlock()
		return ResultFail
	}

	for !c.isLeaderReadyLocked() {
		if !c.canProceedAsLeaderLocked() {
			result := c.leaderFailureResultLocked()
			c.mu.Unlock()
			return result
		}
		c.waitLocked()
	}

	currentStable := c.config.Description().NewServers

	if err := c.config.SetStagingServers(newServers); err != nil {
		c.mu.Unlock()
		return ResultFail
	}
	c.logger.Info("staging configuration change to %v", newServers)
	c.mu.Unlock()

	caughtUp := c.waitForStagingCatchUp()

	c.mu.Lock()
	if c.exiting {
		c.mu.Unlock()
		return ResultFail
	}
	if c.state != StateLeader || c.config.Id() != oldId || c.config.State() != ConfigStaging {
		c.mu.Unlock()
		return ResultNotLeader
	}
	if !caughtUp {
		c.logger.Info("staging servers failed to catch up within %d rounds, aborting", c.tunables.MaxCatchUpRounds)
		c.config.ResetStagingServers()
		c.mu.Unlock()
		return ResultFail
	}

	transitional := ConfigDescriptor{OldServers: currentStable, NewServers: newServers}
	transEntry := Entry{Term: c.currentTerm, Type: EntryConfiguration, Configuration: &transitional}
	transId, err := c.appendLocked(transEntry)
	if err != nil {
		c.mu.Unlock()
		return ResultFail
	}
	c.advanceCommittedIdLocked()
	c.mu.Unlock()

	if !c.waitForEntryDecidedLocked(transId, transEntry.Term) {
		return ResultNotLeader
	}

	c.mu.Lock()
	if !c.canProceedAsLeaderLocked() {
		result := c.leaderFailureResultLocked()
		c.mu.Unlock()
		return result
	}

	stable := ConfigDescriptor{NewServers: newServers}
	stableEntry := Entry{Term: c.currentTerm, Type: EntryConfiguration, Configuration: &stable}
	stableId, err := c.appendLocked(stableEntry)
	if err != nil {
		c.mu.Unlock()
		return ResultFail
	}
	c.advanceCommittedIdLocked()
	c.mu.Unlock()

	if !c.waitForEntryDecidedLocked(stableId, stableEntry.Term) {
		return ResultNotLeader
	}

	return ResultSuccess
}

// waitForEntryDecidedLocked blocks until entry id (appended in term)
// has committed, or it is clear it never will because a later leader
// overwrote it or this server is no longer in a position to wait.
func (c *consensusCore) waitForEntryDecidedLocked(id EntryId, term Term) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.log.Term(id) != term {
			return false
		}
		if c.committedId >= id {
			return true
		}
		if !c.canProceedAsLeaderLocked() {
			return false
		}
		c.waitLocked()
	}
}

// waitForStagingCatchUp blocks until every staging server is caught up
// (spec §4.4 step 2) or MaxCatchUpRounds worth of FollowerTimeout has
// elapsed without that happening, returning false in the latter case.
func (c *consensusCore) waitForStagingCatchUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now().Add(time.Duration(c.tunables.MaxCatchUpRounds) * c.tunables.FollowerTimeout)

	for {
		if c.exiting || c.state != StateLeader || c.config.State() != ConfigStaging {
			return false
		}
		if c.config.StagingAll(func(s *ServerRecord) bool { return s.IsCaughtUp }) {
			return true
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
}

//go:build raftdebug

package raft

// checkInvariants asserts a handful of properties in the spirit of
// LogCabin's debug-only Invariants class: committedId never exceeds the
// log tail, a leader never believes it agrees with itself past the end
// of its own log, no vote is recorded in term 0, and no committed entry
// has a term above currentTerm. It compares only the current state; it
// does not check currentTerm or committedId against earlier values.
// Must be called with the lock held.
func (c *consensusCore) checkInvariants() {
	if c.committedId > c.log.LastId() {
		panic("invariant violated: committedId exceeds the log tail")
	}

	if c.state == StateLeader {
		self := c.config.localServer
		if self.LastAgreeId > c.log.LastId() {
			panic("invariant violated: leader's own lastAgreeId exceeds log.LastId()")
		}
	}

	if c.votedFor != 0 && c.currentTerm == 0 {
		panic("invariant violated: a vote is recorded in term 0")
	}

	if c.committedId > 0 && c.log.Term(c.committedId) > c.currentTerm {
		panic("invariant violated: a committed entry's term exceeds currentTerm")
	}
}

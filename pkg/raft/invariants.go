//go:build !raftdebug

package raft

// checkInvariants is a no-op outside debug builds (build with
// -tags raftdebug to enable it). Call sites expect to pay nothing for
// it in production.
func (c *consensusCore) checkInvariants() {}

package raft

import (
	"context"
	"fmt"
	"path/filepath"
)

// ServerCfg configures one Server. Servers lists the initial, stable
// membership; it is only consulted when the log is empty (a brand new
// data directory), in which case it is written as the bootstrap
// configuration entry before the consensus core starts. On every
// subsequent run the configuration already in the log is authoritative
// and Servers is ignored.
type ServerCfg struct {
	Id      ServerId
	Address ServerAddress
	Servers []ServerDescriptor

	DataDirectory string

	Logger   Logger
	Tunables Tunables

	// ApplyFunc is called, in committed order, for every EntryData
	// entry with a non-empty payload as it becomes the next applied
	// entry (spec §6's "state machine reads the committed stream via
	// get_next_entry"); empty data entries, such as the no-op each new
	// leader appends, are not passed to it. It must
	// be deterministic: the same sequence of calls must happen on
	// every server.
	ApplyFunc func(entry Entry) error
}

// Server wires together a persistent Log, a Configuration, an RPC
// Transport, and the consensusCore that drives them, and runs the
// background loop that feeds committed entries to ApplyFunc. It is the
// package's top-level entry point, the Go analogue of LogCabin's
// RaftConsensus object plus its log-reading state machine thread.
type Server struct {
	cfg ServerCfg

	log       *BoltLog
	transport *HTTPTransport
	core      *consensusCore
	logger    Logger

	lastApplied EntryId
	applyCancel context.CancelFunc
	applyDone   chan struct{}
}

// NewServer creates a Server but does not yet open storage or start
// any goroutine; call Start for that.
func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == 0 {
		return nil, fmt.Errorf("raft: server id must be non-zero")
	}
	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("raft: data directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Start opens the log, bootstraps the initial configuration if this is
// a brand new data directory, starts the RPC transport, and launches
// the consensus core's threads and this server's apply loop.
func (s *Server) Start() error {
	logPath := filepath.Join(s.cfg.DataDirectory, "raft.db")
	s.log = NewBoltLog(logPath, s.cfg.Logger)
	if err := s.log.Open(); err != nil {
		return fmt.Errorf("cannot open log: %w", err)
	}

	if s.log.LastId() == 0 && len(s.cfg.Servers) > 0 {
		descriptor := ConfigDescriptor{NewServers: s.cfg.Servers}
		if _, err := s.log.Append(Entry{Type: EntryConfiguration, Configuration: &descriptor}); err != nil {
			return fmt.Errorf("cannot append bootstrap configuration: %w", err)
		}
	}

	s.transport = NewHTTPTransport(s.cfg.Id, 0)

	s.core = NewConsensusCore(s.cfg.Id, s.cfg.Address, s.log, s.transport, s.cfg.Logger, s.cfg.Tunables)

	if err := s.transport.Listen(s.cfg.Address, s.core, s.cfg.Logger); err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.cfg.Address, err)
	}

	if err := s.core.Start(); err != nil {
		return fmt.Errorf("cannot start consensus core: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.applyCancel = cancel
	s.applyDone = make(chan struct{})
	go s.applyLoop(ctx)

	return nil
}

// Stop tears down the apply loop, the consensus core's threads, and
// the RPC transport, in that order.
func (s *Server) Stop() error {
	if s.applyCancel != nil {
		s.applyCancel()
		<-s.applyDone
	}

	var firstErr error
	if s.core != nil {
		if err := s.core.Stop(); err != nil {
			firstErr = err
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// applyLoop is the consumer-facing side of spec §6: it reads the
// committed stream via GetNextEntry and feeds every data entry with a
// non-empty payload to ApplyFunc in order. Empty data entries are
// skipped, and so are configuration entries; the consensus core
// already applies their membership effect on append.
func (s *Server) applyLoop(ctx context.Context) {
	defer close(s.applyDone)

	for {
		entry, err := s.core.GetNextEntry(ctx, s.lastApplied)
		if err != nil {
			return
		}

		s.lastApplied = entry.Id

		if entry.Type != EntryData || s.cfg.ApplyFunc == nil || len(entry.Data) == 0 {
			continue
		}

		if err := s.cfg.ApplyFunc(entry); err != nil {
			s.logger.Error("cannot apply entry %d: %v", entry.Id, err)
		}
	}
}

// Replicate submits data to be appended and committed to the
// replicated log (spec §4.4's replicate).
func (s *Server) Replicate(data []byte) (ClientResult, EntryId) {
	return s.core.Replicate(data)
}

// LeaderHint names the server this server last heard claim
// leadership, for retrying a not_leader result elsewhere.
func (s *Server) LeaderHint() ServerId {
	return s.core.LeaderHint()
}

// GetLastCommittedId returns the last committed entry id, requiring a
// leader-lease confirmation first.
func (s *Server) GetLastCommittedId() (ClientResult, EntryId) {
	return s.core.GetLastCommittedId()
}

// GetConfiguration returns the currently committed, stable
// configuration only.
func (s *Server) GetConfiguration() (ClientResult, EntryId, []ServerDescriptor) {
	return s.core.GetConfiguration()
}

// SetConfiguration changes cluster membership via the joint-consensus
// protocol of spec §4.4.
func (s *Server) SetConfiguration(oldId EntryId, newServers []ServerDescriptor) ClientResult {
	return s.core.SetConfiguration(oldId, newServers)
}

// String reports a short summary of this server's current role and
// term, for logging.
func (s *Server) String() string {
	if s.core == nil {
		return fmt.Sprintf("Server{id:%d, not started}", s.cfg.Id)
	}
	return s.core.String()
}

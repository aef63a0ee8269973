package main

import (
	"fmt"
	"net"
	"strconv"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"

	"github.com/kelsin/raftlog/pkg/raft"
)

// ServiceCfg is the top-level on-disk configuration, following the
// teacher's own service+domain split.
type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Raft    RaftCfg            `json:"raft"`
}

// RaftCfg describes the bootstrap cluster membership and where this
// instance keeps its data. Servers maps decimal server ids to their
// RPC addresses. On every start it supplies this instance's own RPC
// address and the host of its API server; as cluster membership it is
// only used the first time a server starts with an empty data
// directory.
type RaftCfg struct {
	Servers       map[string]string `json:"servers"`
	DataDirectory string            `json:"dataDirectory"`
}

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	store      *Store
	raftServer *raft.Server
	apiServer  *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)
	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("servers", func() {
		for id, address := range cfg.Servers {
			v.CheckStringNotEmpty(id, address)
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the server identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	instanceId := s.Program.ArgumentValue("id")

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	address := s.Cfg.Raft.Servers[instanceId]
	host, _, _ := net.SplitHostPort(address)

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               net.JoinHostPort(host, "8081"),
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.store = NewStore()

	if err := s.initRaftServer(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initRaftServer() error {
	instanceIdString := s.Service.Program.ArgumentValue("id")

	localId, err := parseServerId(instanceIdString)
	if err != nil {
		return fmt.Errorf("invalid server id %q: %w", instanceIdString, err)
	}

	servers, err := s.bootstrapServers()
	if err != nil {
		return err
	}

	localAddress := s.Cfg.Raft.Servers[instanceIdString]

	logger := s.Log.Child("raft", log.Data{
		"instance": instanceIdString,
	})

	serverCfg := raft.ServerCfg{
		Id:      localId,
		Address: raft.ServerAddress(localAddress),
		Servers: servers,

		DataDirectory: s.Cfg.Raft.DataDirectory,

		Logger: raft.LoggerFor(logger),

		ApplyFunc: s.applyLogEntry,
	}

	server, err := raft.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("cannot create raft server: %w", err)
	}

	s.raftServer = server

	return nil
}

func (s *Service) bootstrapServers() ([]raft.ServerDescriptor, error) {
	servers := make([]raft.ServerDescriptor, 0, len(s.Cfg.Raft.Servers))

	for idString, address := range s.Cfg.Raft.Servers {
		id, err := parseServerId(idString)
		if err != nil {
			return nil, fmt.Errorf("invalid server id %q: %w", idString, err)
		}

		servers = append(servers, raft.ServerDescriptor{
			Id:      id,
			Address: raft.ServerAddress(address),
		})
	}

	return servers, nil
}

func parseServerId(s string) (raft.ServerId, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return raft.ServerId(n), nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.raftServer.Start(); err != nil {
		return fmt.Errorf("cannot start raft server: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	if err := s.raftServer.Stop(); err != nil {
		s.Log.Error("error while stopping raft server: %v", err)
	}
}

func (s *Service) Terminate(ss *service.Service) {
}

func (s *Service) applyLogEntry(entry raft.Entry) error {
	op, err := DecodeOp(entry.Data)
	if err != nil {
		return fmt.Errorf("cannot decode op: %w", err)
	}

	s.store.ApplyOp(op)

	return nil
}

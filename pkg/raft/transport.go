package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Session is a single peer driver's connection to one remote server.
// A peer driver owns exactly one Session and reuses it across RPCs;
// Invalidate lets the driver or the consensus core cancel an
// in-flight RPC by tearing down the underlying connection, which is
// how spec §4.3's "an in-flight RPC is cancelled by invalidating its
// session" is implemented.
type Session interface {
	RequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntry(ctx context.Context, req AppendEntryRequest) (AppendEntryResponse, error)
	Invalidate()
	Close()
}

// Transport dials sessions to remote servers. HTTPTransport is the
// production implementation; tests use an in-memory fake (see
// faketransport_test.go) to exercise the consensus core without a
// network.
type Transport interface {
	Dial(address ServerAddress) Session
}

// HTTPTransport is the teacher's HTTP+JSON transport (transport.go),
// generalized from fire-and-forget broadcast messages to synchronous
// request/response RPCs carrying real vote and append-entry content.
type HTTPTransport struct {
	localId ServerId
	timeout time.Duration

	mu         sync.Mutex
	httpServer *http.Server
}

// NewHTTPTransport creates a transport that identifies itself as
// localId and applies timeout to every RPC.
func NewHTTPTransport(localId ServerId, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPTransport{localId: localId, timeout: timeout}
}

// Listen starts the transport's HTTP server, dispatching inbound RPCs
// to core.
func (t *HTTPTransport) Listen(address ServerAddress, core *consensusCore, logger Logger) error {
	listener, err := net.Listen("tcp", string(address))
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	handler := &httpHandler{core: core, logger: logger}

	t.mu.Lock()
	t.httpServer = &http.Server{
		Addr:              string(address),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server := t.httpServer
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("http transport server error: %v", err)
		}
	}()

	return nil
}

func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	server := t.httpServer
	t.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func (t *HTTPTransport) Dial(address ServerAddress) Session {
	return newHTTPSession(t.localId, address, t.timeout)
}

// httpSession is one peer driver's cached connection.
type httpSession struct {
	localId ServerId
	address ServerAddress
	timeout time.Duration

	mu     sync.Mutex
	client *http.Client
	cancel context.CancelFunc
}

func newHTTPSession(localId ServerId, address ServerAddress, timeout time.Duration) *httpSession {
	return &httpSession{
		localId: localId,
		address: address,
		timeout: timeout,
		client:  newHTTPClient(),
	}
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

func (s *httpSession) do(parent context.Context, msgType string, req interface{}, respType string, resp interface{}) error {
	s.mu.Lock()
	client := s.client
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	body, err := encodeEnvelope(msgType, req)
	if err != nil {
		return fmt.Errorf("cannot encode request: %w", err)
	}

	uri := url.URL{Scheme: "http", Host: string(s.address), Path: "/raft"}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", uri.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Raft-Source-Id", fmt.Sprintf("%d", s.localId))

	res, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("cannot read response: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc failed with status %d: %s", res.StatusCode, string(data))
	}

	return decodeEnvelope(data, respType, resp)
}

func (s *httpSession) RequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := s.do(ctx, msgRequestVoteRequest, &req, msgRequestVoteResponse, &resp)
	return resp, err
}

func (s *httpSession) AppendEntry(ctx context.Context, req AppendEntryRequest) (AppendEntryResponse, error) {
	var resp AppendEntryResponse
	err := s.do(ctx, msgAppendEntryRequest, &req, msgAppendEntryResponse, &resp)
	return resp, err
}

// Invalidate cancels any RPC currently in flight on this session and
// replaces the underlying client, so the next call opens a fresh
// connection rather than reusing one to a server we've given up on.
func (s *httpSession) Invalidate() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.client = newHTTPClient()
	s.mu.Unlock()
}

func (s *httpSession) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.client.CloseIdleConnections()
	s.mu.Unlock()
}

// httpHandler is the inbound side of the HTTP transport: a single
// endpoint that decodes the envelope and calls into the consensus
// core, mirroring the teacher's ServeHTTP dispatch in transport.go.
type httpHandler struct {
	core   *consensusCore
	logger Logger
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot read body: %v", err), http.StatusInternalServerError)
		return
	}

	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		http.Error(w, fmt.Sprintf("invalid envelope: %v", err), http.StatusBadRequest)
		return
	}

	switch env.Type {
	case msgRequestVoteRequest:
		var voteReq RequestVoteRequest
		if err := json.Unmarshal(env.Value, &voteReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := h.core.HandleRequestVote(voteReq)
		h.reply(w, msgRequestVoteResponse, &resp)

	case msgAppendEntryRequest:
		var appendReq AppendEntryRequest
		if err := json.Unmarshal(env.Value, &appendReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := h.core.HandleAppendEntry(appendReq)
		h.reply(w, msgAppendEntryResponse, &resp)

	default:
		http.Error(w, fmt.Sprintf("unknown message type %q", env.Type), http.StatusBadRequest)
	}
}

func (h *httpHandler) reply(w http.ResponseWriter, msgType string, value interface{}) {
	body, err := encodeEnvelope(msgType, value)
	if err != nil {
		h.logger.Error("cannot encode response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

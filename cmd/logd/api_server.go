package main

import (
	"net/http"

	"github.com/galdor/go-service/pkg/shttp"

	"github.com/kelsin/raftlog/pkg/raft"
)

type APIServer struct {
	Service *Service
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/store", "GET", api.hStoreGET)
	api.Route("/store/:key", "GET", api.hStoreKeyGET)
	api.Route("/store/:key", "PUT", api.hStoreKeyPUT)
	api.Route("/store/:key", "DELETE", api.hStoreKeyDELETE)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStoreGET(h *shttp.Handler) {
	h.ReplyJSON(http.StatusOK, api.Service.store.Keys())
}

func (api *APIServer) hStoreKeyGET(h *shttp.Handler) {
	key := h.PathVariable("key")

	value, found := api.Service.store.Get(key)
	if !found {
		h.ReplyError(http.StatusNotFound, "unknown_key", "unknown key %q", key)
		return
	}

	h.ReplyJSON(http.StatusOK, OpPut{Key: key, Value: value})
}

func (api *APIServer) hStoreKeyPUT(h *shttp.Handler) {
	key := h.PathVariable("key")

	var body struct {
		Value string `json:"value"`
	}
	if err := h.JSONRequestData(&body); err != nil {
		h.ReplyError(http.StatusBadRequest, "invalid_request_body", "%v", err)
		return
	}

	api.replicateOp(h, &OpPut{Key: key, Value: body.Value})
}

func (api *APIServer) hStoreKeyDELETE(h *shttp.Handler) {
	key := h.PathVariable("key")

	api.replicateOp(h, &OpDelete{Key: key})
}

// replicateOp encodes op, replicates it through the raft server, and
// translates the client result into an HTTP response. A not_leader
// result becomes a 503 reply; the reply does not name the current
// leader.
func (api *APIServer) replicateOp(h *shttp.Handler, op Op) {
	data, err := EncodeOp(op)
	if err != nil {
		h.ReplyError(http.StatusInternalServerError, "op_encoding_failure", "%v", err)
		return
	}

	result, _ := api.Service.raftServer.Replicate(data)

	switch result {
	case raft.ResultSuccess:
		h.ReplyEmpty(http.StatusNoContent)
	case raft.ResultNotLeader:
		h.ReplyError(http.StatusServiceUnavailable, "not_leader", "this server is not the current leader")
	case raft.ResultRetry:
		h.ReplyError(http.StatusServiceUnavailable, "retry", "leadership could not be confirmed, retry")
	default:
		h.ReplyError(http.StatusInternalServerError, "replication_failed", "the operation could not be replicated")
	}
}

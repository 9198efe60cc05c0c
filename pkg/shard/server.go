package shard

import (
	"bufio"
	"context"
	"net"
	"sync"

	logging "github.com/op/go-logging"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

var logger = logging.MustGetLogger("shard")

// Resolver locates the Processor owning a (TableID, Key) pair, the
// server-side mirror of pkg/client's ResolveShard-driven routing.
type Resolver interface {
	ProcessorFor(tableID ids.TableID, key []byte) (*Processor, error)
}

// StaticResolver maps ShardID to Processor directly, for a node that
// already knows which shards it serves; routing via a live
// config.State happens one level up in TableResolver.
type StaticResolver struct {
	mu         sync.RWMutex
	processors map[ids.ShardID]*Processor
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{processors: make(map[ids.ShardID]*Processor)}
}

func (r *StaticResolver) Put(shardID ids.ShardID, p *Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[shardID] = p
}

func (r *StaticResolver) Remove(shardID ids.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processors, shardID)
}

// TableResolver resolves a (TableID, Key) against a live config.State
// snapshot and dispatches to whichever Processor the resolved Shard's
// ShardID maps to in the underlying StaticResolver.
type TableResolver struct {
	state *StaticResolver
	get   func() *config.State
}

func NewTableResolver(get func() *config.State, processors *StaticResolver) *TableResolver {
	return &TableResolver{state: processors, get: get}
}

func (r *TableResolver) ProcessorFor(tableID ids.TableID, key []byte) (*Processor, error) {
	cs := r.get()
	if cs == nil {
		return nil, errs.NewStaleConfigError("shard: no ConfigState loaded yet")
	}
	sh, err := cs.ResolveShard(tableID, key)
	if err != nil {
		return nil, err
	}
	r.state.mu.RLock()
	p, ok := r.state.processors[sh.ShardID]
	r.state.mu.RUnlock()
	if !ok {
		return nil, errs.NewNoPrimaryError("shard %v: not served locally", sh.ShardID)
	}
	return p, nil
}

// Server is the SDBP data listener for one shard server node: it
// accepts connections, decodes each request frame, resolves the
// request's shard via Resolver and proposes it through that shard's
// Processor, then writes the response back once Processor.apply
// (via ResponseSink) delivers it — mirroring the teacher's
// node.Node connection-accept-loop shape (node/node.go) generalized
// from a single fixed store to per-shard routing.
type Server struct {
	resolver Resolver

	mu    sync.Mutex
	conns map[ids.CommandID]net.Conn
}

func NewServer(resolver Resolver) *Server {
	return &Server{resolver: resolver, conns: make(map[ids.CommandID]net.Conn)}
}

// Serve accepts connections on ln until it errors (e.g. ln is closed).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(frame)
		if err != nil {
			logger.Warningf("shard: malformed request: %v", err)
			return
		}

		p, err := s.resolver.ProcessorFor(req.TableID, req.Key)
		if err != nil {
			s.reply(conn, &wire.Response{CommandID: req.CommandID, Type: wire.RespNoService})
			continue
		}

		s.mu.Lock()
		s.conns[req.CommandID] = conn
		s.mu.Unlock()

		if err := p.Submit(context.Background(), req); err != nil {
			s.mu.Lock()
			delete(s.conns, req.CommandID)
			s.mu.Unlock()
			s.reply(conn, &wire.Response{CommandID: req.CommandID, Type: wire.RespNoService})
		}
	}
}

// Respond implements ResponseSink: each Processor calls back here once
// its quorum learns and applies the decree, and the reply is written
// to whichever connection last submitted that CommandID.
func (s *Server) Respond(commandID ids.CommandID, resp *wire.Response) {
	s.mu.Lock()
	conn, ok := s.conns[commandID]
	delete(s.conns, commandID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.reply(conn, resp)
}

func (s *Server) reply(conn net.Conn, resp *wire.Response) {
	if _, err := conn.Write(wire.EncodeResponse(resp)); err != nil {
		logger.Warningf("shard: write response: %v", err)
	}
}

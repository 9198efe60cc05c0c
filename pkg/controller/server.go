package controller

import (
	"bufio"
	"encoding/json"
	"net"

	logging "github.com/op/go-logging"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

var logger = logging.MustGetLogger("controller")

// ConfigServer is the controller cluster's client-facing listener: it
// answers GETCONFIGSTATE requests (the only SDBP request type a
// controller endpoint serves, spec §4.2) and, on a second listener,
// ingests shard-server heartbeats (spec §4.8) into a
// ConfigHeartbeatManager. Mirrors pkg/shard.Server's accept-loop shape
// but against a single ConfigContext.State snapshot instead of a
// per-shard Processor table.
type ConfigServer struct {
	cc *ConfigContext
	hm *ConfigHeartbeatManager
}

func NewConfigServer(cc *ConfigContext, hm *ConfigHeartbeatManager) *ConfigServer {
	return &ConfigServer{cc: cc, hm: hm}
}

// Serve accepts SDBP connections and answers GETCONFIGSTATE requests
// until ln errors (e.g. closed).
func (s *ConfigServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *ConfigServer) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(frame)
		if err != nil {
			logger.Warningf("controller: malformed request: %v", err)
			return
		}

		resp := &wire.Response{CommandID: req.CommandID}
		if req.Type != wire.ReqGetConfigState {
			resp.Type = wire.RespFailed
		} else if !s.cc.qctx.IsLeader() {
			resp.Type = wire.RespNoService
		} else {
			buf, err := config.Marshal(s.cc.State())
			if err != nil {
				resp.Type = wire.RespFailed
			} else {
				resp.Type = wire.RespConfigState
				resp.ConfigState = buf
			}
		}

		if _, err := conn.Write(wire.EncodeResponse(resp)); err != nil {
			logger.Warningf("controller: write response: %v", err)
			return
		}
	}
}

// ServeHeartbeats accepts length-prefixed JSON-encoded Heartbeat
// frames (spec §4.8's CLUSTERMESSAGE_HEARTBEAT, carried as JSON rather
// than the SDBP codec since it is not a client-facing request/response
// shape) until ln errors.
func (s *ConfigServer) ServeHeartbeats(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleHeartbeatConn(conn)
	}
}

func (s *ConfigServer) handleHeartbeatConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			return
		}
		var hb Heartbeat
		if err := json.Unmarshal(frame, &hb); err != nil {
			logger.Warningf("controller: malformed heartbeat: %v", err)
			continue
		}
		s.hm.Receive(hb)
	}
}

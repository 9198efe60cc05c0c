package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// ConfigStateRequestInterval is how often ControllerConnection
// re-requests the ConfigState while it has no known controller master
// (spec §4.2 "3s re-request timer while the controller has no known
// master").
const ConfigStateRequestInterval = 3 * time.Second

// ControllerConnection is one long-lived connection to a controller
// endpoint. Connect only dials; the ConfigState is fetched by
// RequestConfigState, which RunRequestLoop calls at once and then on a
// timer. A NOSERVICE reply to that request clears HasMaster. It holds a
// single connection and keeps no node-to-connection mapping.
type ControllerConnection struct {
	Addr string

	mu        sync.Mutex
	conn      *Conn
	hasMaster bool
	cmdGen    *ids.Generator

	onConfigState func(*config.State)
}

// NewControllerConnection builds a disconnected ControllerConnection;
// onConfigState is invoked every time a fresh ConfigState arrives.
func NewControllerConnection(addr string, onConfigState func(*config.State)) *ControllerConnection {
	return &ControllerConnection{
		Addr:          addr,
		cmdGen:        ids.NewGenerator(0),
		onConfigState: onConfigState,
	}
}

func (cc *ControllerConnection) Connect() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.conn != nil {
		return nil
	}
	conn, err := Dial(cc.Addr)
	if err != nil {
		return err
	}
	cc.conn = conn
	cc.hasMaster = false
	return nil
}

// RequestConfigState sends one GETCONFIGSTATE request and, on success,
// hands the decoded State to onConfigState.
func (cc *ControllerConnection) RequestConfigState() error {
	cc.mu.Lock()
	conn := cc.conn
	cc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: controller connection %s not connected", cc.Addr)
	}

	req := &wire.Request{
		CommandID: ids.CommandID(cc.cmdGen.Next()),
		Type:      wire.ReqGetConfigState,
	}
	respCh, err := conn.Send(req)
	if err != nil {
		return err
	}

	resp, ok := <-respCh
	if !ok {
		return fmt.Errorf("client: controller connection %s closed before responding", cc.Addr)
	}
	if resp.Type == wire.RespNoService {
		cc.mu.Lock()
		cc.hasMaster = false
		cc.mu.Unlock()
		return fmt.Errorf("client: controller %s reports NOSERVICE, no known master", cc.Addr)
	}
	if resp.Type != wire.RespConfigState {
		return fmt.Errorf("client: controller %s: unexpected response type %c", cc.Addr, resp.Type)
	}

	state, err := config.Unmarshal(resp.ConfigState)
	if err != nil {
		return err
	}

	cc.mu.Lock()
	cc.hasMaster = true
	cc.mu.Unlock()

	if cc.onConfigState != nil {
		cc.onConfigState(state)
	}
	return nil
}

// HasMaster reports whether the last RequestConfigState succeeded.
func (cc *ControllerConnection) HasMaster() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.hasMaster
}

// RunRequestLoop blocks, calling RequestConfigState immediately and
// then every ConfigStateRequestInterval while no master is known, until
// stop is closed. Once a master is known the loop keeps a slower
// keep-fresh cadence of 10x the no-master interval.
func (cc *ControllerConnection) RunRequestLoop(stop <-chan struct{}) {
	_ = cc.RequestConfigState()
	for {
		interval := ConfigStateRequestInterval
		if cc.HasMaster() {
			interval *= 10
		}
		select {
		case <-stop:
			return
		case <-time.After(interval):
			_ = cc.RequestConfigState()
		}
	}
}

func (cc *ControllerConnection) Close() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.conn == nil {
		return nil
	}
	err := cc.conn.Close()
	cc.conn = nil
	return err
}

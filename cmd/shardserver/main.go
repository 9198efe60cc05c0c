// Command shardserver runs one shard-server node: it opens a local
// storage.Engine for a single shard, binds it to a quorum.Context
// replicated over the peers named by --peers, and serves the SDBP
// client listener, the cluster (Paxos) listener, and the admin HTTP
// surface.
//
// This entrypoint configures exactly one shard per process (--shard-id,
// --quorum-id, --table-id); a node serving many shards runs one process
// per shard, the same granularity the teacher's node.Node assumes for a
// single store. Dynamic shard assignment from the controller's
// heartbeat-driven placement (spec §4.8) is not wired here — flags
// describe the placement a human operator already decided; this
// process only reports its own health upward via periodic heartbeats.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/YumaTheCompanion/scaliendb/pkg/admin"
	"github.com/YumaTheCompanion/scaliendb/pkg/client"
	"github.com/YumaTheCompanion/scaliendb/pkg/config"
	"github.com/YumaTheCompanion/scaliendb/pkg/controller"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxoslease"
	"github.com/YumaTheCompanion/scaliendb/pkg/quorum"
	"github.com/YumaTheCompanion/scaliendb/pkg/shard"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
	"github.com/YumaTheCompanion/scaliendb/pkg/storage"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

var logger = logging.MustGetLogger("shardserver")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "shardserver",
		Short: "Serves one ScalienDB shard quorum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("data-dir", "./data", "directory holding this shard's storage engine")
	flags.String("peer-addr", "127.0.0.1:7100", "address this node's cluster-protocol Router listens on")
	flags.String("sdbp-addr", "127.0.0.1:7101", "address the SDBP client listener binds to")
	flags.String("admin-addr", "127.0.0.1:7102", "address the admin HTTP surface binds to")
	flags.String("controller-addr", "", "controller SDBP endpoint, host:port, for GETCONFIGSTATE (optional)")
	flags.String("controller-heartbeat-addr", "", "controller heartbeat endpoint, host:port (optional)")
	flags.StringSlice("peers", nil, "quorum peers as nodeID=host:port, e.g. 2=10.0.0.2:7100")
	flags.Uint64("node-id", 1, "this node's NodeID")
	flags.Uint64("shard-id", 1, "ShardID served by this process")
	flags.Uint64("quorum-id", 1, "QuorumID replicating this shard")
	flags.Uint64("table-id", 1, "TableID this shard belongs to")
	flags.Int("replication-factor", 3, "target ActiveNodes count per quorum (spec §3, informational here)")
	flags.Int("batch-limit", 100, "reported via the admin settings only; each decree carries one command")
	flags.Duration("lease-time", paxoslease.MaxLeaseTime, "not applied: leases always last paxoslease.MaxLeaseTime")
	flags.Int("freeze-threshold-keys", storage.DefaultFreezeThreshold, "live keys an active MemoChunk holds before sealing (spec §4.4)")
	flags.Duration("heartbeat-interval", 2*time.Second, "how often to report this shard's health to the controller (spec §4.8)")

	_ = v.BindPFlags(flags)
	return cmd
}

func run(v *viper.Viper) error {
	dataDir := v.GetString("data-dir")
	nodeID := ids.NodeID(v.GetUint64("node-id"))
	shardID := ids.ShardID(v.GetUint64("shard-id"))
	quorumID := ids.QuorumID(v.GetUint64("quorum-id"))
	tableID := ids.TableID(v.GetUint64("table-id"))

	peers, peerAddrs, err := parsePeers(v.GetStringSlice("peers"))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	statsClient := stats.New("shardserver", stats.NoopStatter{}, registry)

	engine, err := storage.OpenEngine(dataDir, shardID)
	if err != nil {
		return fmt.Errorf("shardserver: open engine: %w", err)
	}
	engine.SetFreezeThreshold(v.GetInt("freeze-threshold-keys"))

	acceptorStore := storage.NewAcceptorStore(engine)
	acceptor := paxos.NewAcceptor(nodeID, acceptorStore)

	transport := quorum.NewPeerTransport(quorumID, peerAddrs)
	defer transport.Close()
	proposer := paxos.NewProposer(nodeID, transport, statsClient)
	lease := paxoslease.New(nodeID, proposer, paxoslease.DefaultLeaseBaseSlot, peers, statsClient)

	// Restore the data-log and lease-term PaxosID counters from whatever
	// this node already drove to a decision before a restart, so Propose
	// and Acquire mint positions past them instead of re-using and
	// re-learning already-applied decrees.
	highestLog, logFound, err := acceptorStore.HighestPaxosIDInRange(0, paxoslease.DefaultLeaseBaseSlot)
	if err != nil {
		return fmt.Errorf("shardserver: restore data-log watermark: %w", err)
	}
	highestLease, leaseFound, err := acceptorStore.HighestPaxosIDInRange(paxoslease.DefaultLeaseBaseSlot, 0)
	if err != nil {
		return fmt.Errorf("shardserver: restore lease-term watermark: %w", err)
	}
	if leaseFound {
		lease.SeedTerm(uint64(highestLease - paxoslease.DefaultLeaseBaseSlot))
	}

	shardRegistry := admin.NewShardRegistry()
	shardRegistry.Put(shardID, engine)

	var configState *config.State
	getConfigState := func() *config.State { return configState }

	processors := shard.NewStaticResolver()
	sdbpServer := shard.NewServer(shard.NewTableResolver(getConfigState, processors))

	processor := shard.NewProcessor(shardID, tableID, quorumID, engine, sdbpServer, statsClient)
	qctx := quorum.NewContext(quorumID, nodeID, peers, proposer, acceptor, lease, processor.AppendFunc(), statsClient)
	if logFound {
		qctx.SeedHighestPaxosID(highestLog)
		processor.SeedLastApplied(highestLog)
	}
	processor.Bind(qctx)
	processors.Put(shardID, processor)

	router := quorum.NewRouter()
	router.Register(qctx)

	clusterLn, err := net.Listen("tcp", v.GetString("peer-addr"))
	if err != nil {
		return fmt.Errorf("shardserver: listen cluster: %w", err)
	}
	go func() {
		if err := router.Serve(clusterLn); err != nil {
			logger.Warningf("shardserver: cluster router stopped: %v", err)
		}
	}()

	sdbpLn, err := net.Listen("tcp", v.GetString("sdbp-addr"))
	if err != nil {
		return fmt.Errorf("shardserver: listen sdbp: %w", err)
	}
	go func() {
		if err := sdbpServer.Serve(sdbpLn); err != nil {
			logger.Warningf("shardserver: sdbp server stopped: %v", err)
		}
	}()

	if addr := v.GetString("controller-addr"); addr != "" {
		cc := client.NewControllerConnection(addr, func(s *config.State) { configState = s })
		if err := cc.Connect(); err != nil {
			logger.Warningf("shardserver: controller connect: %v", err)
		} else if err := cc.RequestConfigState(); err != nil {
			logger.Warningf("shardserver: fetch initial config state: %v", err)
		}
	}

	if hbAddr := v.GetString("controller-heartbeat-addr"); hbAddr != "" {
		go sendHeartbeats(hbAddr, nodeID, shardID, quorumID, qctx, engine, v.GetDuration("heartbeat-interval"))
	}

	adminServer := admin.NewServer(shardRegistry, getConfigState, registry)
	adminServer.SetSetting("batchLimit", strconv.Itoa(v.GetInt("batch-limit")))
	adminServer.SetSetting("replicationFactor", strconv.Itoa(v.GetInt("replication-factor")))
	logger.Infof("shardserver: node %v serving shard %v (quorum %v) admin=%s sdbp=%s cluster=%s",
		nodeID, shardID, quorumID, v.GetString("admin-addr"), v.GetString("sdbp-addr"), v.GetString("peer-addr"))

	return http.ListenAndServe(v.GetString("admin-addr"), adminServer.Routes())
}

func parsePeers(raw []string) ([]ids.NodeID, map[ids.NodeID]string, error) {
	peers := make([]ids.NodeID, 0, len(raw))
	addrs := make(map[ids.NodeID]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("shardserver: invalid --peers entry %q, want nodeID=host:port", entry)
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("shardserver: invalid peer nodeID in %q: %w", entry, err)
		}
		nodeID := ids.NodeID(n)
		peers = append(peers, nodeID)
		addrs[nodeID] = parts[1]
	}
	return peers, addrs, nil
}

// sendHeartbeats periodically reports this shard's liveness and size
// to the controller cluster (spec §4.8), redialing on failure since the
// controller's primary can move between heartbeats.
func sendHeartbeats(addr string, nodeID ids.NodeID, shardID ids.ShardID, quorumID ids.QuorumID, qctx *quorum.Context, engine *storage.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			logger.Warningf("shardserver: heartbeat dial: %v", err)
			continue
		}
		hb := controller.Heartbeat{
			NodeID:     nodeID,
			QuorumID:   quorumID,
			IsPrimary:  qctx.IsLeader(),
			ShardID:    shardID,
			SizeBytes:  uint64(engine.Stats().ActiveKeys),
			ExpireTime: time.Now().Add(3 * interval),
		}
		buf, err := json.Marshal(hb)
		if err == nil {
			if err := wire.WriteFrame(conn, buf); err != nil {
				logger.Warningf("shardserver: heartbeat send: %v", err)
			}
		}
		conn.Close()
	}
}

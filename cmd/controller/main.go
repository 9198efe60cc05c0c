// Command controller runs one controller cluster node: it drives the
// controller's own single-decree Paxos group to agree on ConfigState
// revisions, answers GETCONFIGSTATE over SDBP, ingests shard-server
// heartbeats, and serves the admin HTTP surface.
package main

import (
	"context"
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
	"github.com/YumaTheCompanion/scaliendb/pkg/controller"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxoslease"
	"github.com/YumaTheCompanion/scaliendb/pkg/quorum"
	"github.com/YumaTheCompanion/scaliendb/pkg/stats"
	"github.com/YumaTheCompanion/scaliendb/pkg/storage"
)

var logger = logging.MustGetLogger("controller")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Runs one ScalienDB controller cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("data-dir", "./controller-data", "directory holding the controller's own acceptor state")
	flags.String("peer-addr", "127.0.0.1:8100", "address this node's cluster-protocol Router listens on")
	flags.String("sdbp-addr", "127.0.0.1:8101", "address the GETCONFIGSTATE listener binds to")
	flags.String("heartbeat-addr", "127.0.0.1:8103", "address the shard-heartbeat listener binds to")
	flags.String("admin-addr", "127.0.0.1:8102", "address the admin HTTP surface binds to")
	flags.StringSlice("peers", nil, "controller quorum peers as nodeID=host:port")
	flags.Uint64("node-id", 1, "this node's NodeID")
	flags.Uint64("quorum-id", 0, "QuorumID of the controller cluster's own Paxos group")
	flags.Int("replication-factor", 3, "target controller quorum size (spec §3, informational here)")
	flags.Duration("lease-time", paxoslease.MaxLeaseTime, "not applied: leases always last paxoslease.MaxLeaseTime")
	flags.Duration("propose-interval", 200*time.Millisecond, "how often to flush queued mutations into a new ConfigState revision")
	flags.Duration("sweep-interval", paxoslease.MaxLeaseTime, "how often to sweep expired shard-server heartbeats (spec §4.8)")

	_ = v.BindPFlags(flags)
	return cmd
}

func run(v *viper.Viper) error {
	nodeID := ids.NodeID(v.GetUint64("node-id"))
	quorumID := ids.QuorumID(v.GetUint64("quorum-id"))

	peers, peerAddrs, err := parsePeers(v.GetStringSlice("peers"))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	statsClient := stats.New("controller", stats.NoopStatter{}, registry)

	engine, err := storage.OpenEngine(v.GetString("data-dir"), ids.ShardID(0))
	if err != nil {
		return fmt.Errorf("controller: open acceptor engine: %w", err)
	}
	acceptorStore := storage.NewAcceptorStore(engine)
	acceptor := paxos.NewAcceptor(nodeID, acceptorStore)

	transport := quorum.NewPeerTransport(quorumID, peerAddrs)
	defer transport.Close()
	proposer := paxos.NewProposer(nodeID, transport, statsClient)
	lease := paxoslease.New(nodeID, proposer, paxoslease.DefaultLeaseBaseSlot, peers, statsClient)

	// Restore the config-log and lease-term PaxosID counters from
	// whatever this node already drove to a decision before a restart
	// (same reasoning as shardserver: a bare restart must not renumber
	// already-decided decrees from zero).
	highestLog, logFound, err := acceptorStore.HighestPaxosIDInRange(0, paxoslease.DefaultLeaseBaseSlot)
	if err != nil {
		return fmt.Errorf("controller: restore config-log watermark: %w", err)
	}
	highestLease, leaseFound, err := acceptorStore.HighestPaxosIDInRange(paxoslease.DefaultLeaseBaseSlot, 0)
	if err != nil {
		return fmt.Errorf("controller: restore lease-term watermark: %w", err)
	}
	if leaseFound {
		lease.SeedTerm(uint64(highestLease - paxoslease.DefaultLeaseBaseSlot))
	}

	cc := controller.NewConfigContext(nodeID, ids.RunID(nodeID), ids.NewGenerator(0), statsClient)
	qctx := quorum.NewContext(quorumID, nodeID, peers, proposer, acceptor, lease, cc.AppendFunc(), statsClient)
	if logFound {
		qctx.SeedHighestPaxosID(highestLog)
		cc.SeedLastApplied(highestLog)
	}
	cc.Bind(qctx)

	hm := controller.NewConfigHeartbeatManager(cc, statsClient)
	cs := controller.NewConfigServer(cc, hm)

	router := quorum.NewRouter()
	router.Register(qctx)

	clusterLn, err := net.Listen("tcp", v.GetString("peer-addr"))
	if err != nil {
		return fmt.Errorf("controller: listen cluster: %w", err)
	}
	go func() {
		if err := router.Serve(clusterLn); err != nil {
			logger.Warningf("controller: cluster router stopped: %v", err)
		}
	}()

	sdbpLn, err := net.Listen("tcp", v.GetString("sdbp-addr"))
	if err != nil {
		return fmt.Errorf("controller: listen sdbp: %w", err)
	}
	go func() {
		if err := cs.Serve(sdbpLn); err != nil {
			logger.Warningf("controller: sdbp server stopped: %v", err)
		}
	}()

	hbLn, err := net.Listen("tcp", v.GetString("heartbeat-addr"))
	if err != nil {
		return fmt.Errorf("controller: listen heartbeat: %w", err)
	}
	go func() {
		if err := cs.ServeHeartbeats(hbLn); err != nil {
			logger.Warningf("controller: heartbeat server stopped: %v", err)
		}
	}()

	go proposeLoop(cc, v.GetDuration("propose-interval"))
	go sweepLoop(hm, v.GetDuration("sweep-interval"))

	adminServer := admin.NewServer(admin.NewShardRegistry(), cc.State, registry)
	adminServer.SetSetting("replicationFactor", strconv.Itoa(v.GetInt("replication-factor")))
	logger.Infof("controller: node %v quorum %v admin=%s sdbp=%s cluster=%s",
		nodeID, quorumID, v.GetString("admin-addr"), v.GetString("sdbp-addr"), v.GetString("peer-addr"))

	return http.ListenAndServe(v.GetString("admin-addr"), adminServer.Routes())
}

func parsePeers(raw []string) ([]ids.NodeID, map[ids.NodeID]string, error) {
	peers := make([]ids.NodeID, 0, len(raw))
	addrs := make(map[ids.NodeID]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("controller: invalid --peers entry %q, want nodeID=host:port", entry)
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("controller: invalid peer nodeID in %q: %w", entry, err)
		}
		nodeID := ids.NodeID(n)
		peers = append(peers, nodeID)
		addrs[nodeID] = parts[1]
	}
	return peers, addrs, nil
}

// proposeLoop periodically flushes any mutations QueueMutation
// accumulated into the next ConfigState revision (spec §4.1's
// ControllerConfigContext::GetNextValue resolution, driven here by a
// fixed interval rather than "whenever the queue is non-empty" since
// the controller has no separate event-loop wakeup source for it).
func proposeLoop(cc *controller.ConfigContext, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		_, err := cc.ProposeNext(ctx)
		cancel()
		if err != nil {
			logger.Debugf("controller: propose: %v", err)
		}
	}
}

func sweepLoop(hm *controller.ConfigHeartbeatManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for now := range ticker.C {
		hm.Sweep(now)
	}
}

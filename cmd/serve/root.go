package serve

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/cluster/discovery"
	"github.com/ValentinKolb/dDoc/cluster/election"
	"github.com/ValentinKolb/dDoc/cluster/gossip"
	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/resolver"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/lib/store/memstore"
	"github.com/ValentinKolb/dDoc/lib/store/sqlstore"
	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/ValentinKolb/dDoc/sync/orchestrator"
	"github.com/ValentinKolb/dDoc/sync/server"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig   = &common.ServerConfig{}
	resolverStrategy = "lww"
	ServeCmd         = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dDoc node",
		Long:    `Start a dDoc node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DDOC_<flag> (e.g. DDOC_LISTEN_PORT=7070)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Unique identifier of this node. A random id is generated when empty"))

	key = "listen-host"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0", cmdUtil.WrapString("The address on which the sync server will listen"))

	key = "listen-port"
	ServeCmd.PersistentFlags().Int(key, 7070, cmdUtil.WrapString("The port on which the sync server will listen"))

	key = "auth-token"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Shared cluster secret presented by peers in the handshake. An empty secret accepts every peer"))

	key = "secure"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Encrypt sync connections (ephemeral ECDH key exchange, AES-CBC with HMAC)"))

	key = "compression"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Offer brotli compression for large payloads"))

	key = "store"
	ServeCmd.PersistentFlags().String(key, "sqlite", cmdUtil.WrapString("Storage backend to use (sqlite, mem)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory for the sqlite database file"))

	key = "resolver"
	ServeCmd.PersistentFlags().String(key, "lww", cmdUtil.WrapString("Conflict resolution strategy (lww, merge). merge deep-merges JSON objects and arrays keyed by id"))

	key = "peers"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of static peers in the format 'nodeId=host:port'"))

	key = "sync-interval"
	ServeCmd.PersistentFlags().Int(key, common.DefaultSyncIntervalMs, cmdUtil.WrapString("Interval in milliseconds between pull rounds against the known peers"))

	key = "gossip-max-hops"
	ServeCmd.PersistentFlags().Int(key, common.DefaultGossipMaxHops, cmdUtil.WrapString("Hop TTL for gossip messages"))

	key = "gossip-delay"
	ServeCmd.PersistentFlags().Int(key, common.DefaultGossipDelayMs, cmdUtil.WrapString("Dampening delay in milliseconds between gossip sends"))

	key = "discovery-port"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("UDP port for LAN discovery broadcasts (0 disables discovery)"))

	key = "discovery-interval"
	ServeCmd.PersistentFlags().Int(key, common.DefaultDiscoveryIntervalMs, cmdUtil.WrapString("Interval in milliseconds between discovery broadcasts"))

	key = "election-interval"
	ServeCmd.PersistentFlags().Int(key, common.DefaultElectionIntervalMs, cmdUtil.WrapString("Interval in milliseconds between cloud gateway elections"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int(key, common.DefaultTimeoutSecond, cmdUtil.WrapString("Request timeout in seconds"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.NodeID = viper.GetString("node-id")
	if serveCmdConfig.NodeID == "" {
		serveCmdConfig.NodeID = uuid.NewString()
	}

	serveCmdConfig.ListenHost = viper.GetString("listen-host")
	serveCmdConfig.ListenPort = viper.GetInt("listen-port")
	serveCmdConfig.AuthToken = viper.GetString("auth-token")
	serveCmdConfig.SecureChannel = viper.GetBool("secure")
	serveCmdConfig.EnableCompression = viper.GetBool("compression")
	serveCmdConfig.StoreBackend = viper.GetString("store")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.SyncIntervalMs = viper.GetInt("sync-interval")
	serveCmdConfig.GossipMaxHops = viper.GetInt("gossip-max-hops")
	serveCmdConfig.GossipDelayMs = viper.GetInt("gossip-delay")
	serveCmdConfig.DiscoveryPort = viper.GetInt("discovery-port")
	serveCmdConfig.DiscoveryIntervalMs = viper.GetInt("discovery-interval")
	serveCmdConfig.ElectionIntervalMs = viper.GetInt("election-interval")
	serveCmdConfig.TimeoutSecond = viper.GetInt("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// parse static peers
	peers, err := common.ParseStaticPeers(viper.GetString("peers"))
	if err != nil {
		return err
	}
	serveCmdConfig.StaticPeers = peers

	// parse resolver strategy
	resolverStrategy = viper.GetString("resolver")
	if resolverStrategy != "lww" && resolverStrategy != "merge" {
		return fmt.Errorf("invalid resolver %q (expected lww or merge)", resolverStrategy)
	}

	serveCmdConfig.ApplyDefaults()
	return serveCmdConfig.Validate()
}

// run starts the node and blocks until a shutdown signal arrives
func run(_ *cobra.Command, _ []string) error {
	config := *serveCmdConfig

	common.InitLoggers(config)
	fmt.Println(config.String())

	// Storage backend
	docStore, err := makeStore(config)
	if err != nil {
		return err
	}
	if err := docStore.Initialize(); err != nil {
		return err
	}
	defer docStore.Close()

	// Clock, resolver, and the shared apply path for remote entries
	clock := hlc.NewClock(config.NodeID)
	applier := common.NewEntryApplier(docStore, clock, makeResolver())

	// Sync server
	srv := server.NewSyncServer(config, docStore, applier, server.NewTokenAuthenticator(config.AuthToken))
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	// Gossip
	gsp := gossip.NewGossip(config, applier)
	srv.SetGossipReceiver(gsp)
	gsp.Start()
	defer gsp.Stop()

	// Orchestrator, seeded with the persisted registry and static peers
	orch := orchestrator.NewOrchestrator(config, docStore, applier)
	seedPeers(config, docStore, orch, gsp)
	orch.Start()
	defer orch.Stop()

	// LAN discovery feeding the registry, orchestrator and gossip
	var disc *discovery.Discovery
	if config.DiscoveryPort > 0 {
		disc = discovery.NewDiscovery(config)
		disc.Subscribe(func(obs discovery.Observation) {
			peer := model.RemotePeer{
				NodeID:   obs.NodeID,
				Host:     obs.Host,
				Port:     obs.Port,
				Type:     model.PeerLanDiscovered,
				LastSeen: time.Now(),
				Enabled:  true,
			}
			if err := docStore.SaveRemotePeer(peer); err != nil {
				server.Logger.Warningf("failed to persist discovered peer %s: %v", peer.NodeID, err)
			}
			orch.AddPeer(peer)
			gsp.AddPeer(peer)
		})
		if err := disc.Start(); err != nil {
			return err
		}
		defer disc.Stop()
	}

	// Cloud gateway election over the LAN-discovered registry
	elect := election.NewElection(config, func() []model.RemotePeer {
		peers, err := docStore.GetRemotePeers()
		if err != nil {
			return nil
		}
		return peers
	})
	elect.Start()
	defer elect.Stop()

	// Block until shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	fmt.Printf("received %s, shutting down\n", sig)
	return nil
}

// makeStore creates the configured storage backend.
func makeStore(config common.ServerConfig) (store.IDocumentStore, error) {
	switch config.StoreBackend {
	case "mem":
		return memstore.NewMemStore(), nil
	case "sqlite":
		if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %v", err)
		}
		path := filepath.Join(config.DataDir, "ddoc.db")
		return sqlstore.NewSQLStore(sqlstore.DefaultOptions(path)), nil
	default:
		return nil, fmt.Errorf("invalid store backend %q (expected sqlite or mem)", config.StoreBackend)
	}
}

// makeResolver creates the configured conflict resolution strategy.
func makeResolver() resolver.IResolver {
	if resolverStrategy == "merge" {
		return resolver.NewMergeResolver()
	}
	return resolver.NewLWWResolver()
}

// seedPeers registers the statically configured and previously persisted
// peers with the orchestrator and gossip.
func seedPeers(config common.ServerConfig, docStore store.IDocumentStore, orch *orchestrator.Orchestrator, gsp *gossip.Gossip) {
	for _, static := range config.StaticPeers {
		peer := model.RemotePeer{
			NodeID:  static.NodeID,
			Host:    static.Host,
			Port:    static.Port,
			Type:    model.PeerStaticRemote,
			Enabled: true,
		}
		if err := docStore.SaveRemotePeer(peer); err != nil {
			server.Logger.Warningf("failed to persist static peer %s: %v", peer.NodeID, err)
		}
		orch.AddPeer(peer)
		gsp.AddPeer(peer)
	}

	peers, err := docStore.GetRemotePeers()
	if err != nil {
		server.Logger.Warningf("failed to load persisted peers: %v", err)
		return
	}
	for _, peer := range peers {
		orch.AddPeer(peer)
		gsp.AddPeer(peer)
	}
}

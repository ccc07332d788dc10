package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maxpert/shardkeeper/admin"
	"github.com/maxpert/shardkeeper/balancer"
	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/id"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/publisher"
	"github.com/maxpert/shardkeeper/router"
	"github.com/maxpert/shardkeeper/shard"
	"github.com/maxpert/shardkeeper/shardcache"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/maxpert/shardkeeper/transport"
	"github.com/maxpert/shardkeeper/txnledger"

	_ "github.com/maxpert/shardkeeper/publisher/sink"
	_ "github.com/maxpert/shardkeeper/publisher/transformer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// node is everything one process hosts. Fields stay nil for components
// its role does not run.
type node struct {
	clock     *hlc.Clock
	stores    []*db.Store
	catalog   *placement.Catalog
	shards    *shard.Registry
	router    *router.Router
	publisher *publisher.Registry
	balancer  *balancer.Balancer
	client    *transport.Client
	cfgClient *transport.ConfigClient
	closers   []func()
}

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Str("role", string(cfg.Config.Role)).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("shardkeeper - shard-aware router and transaction coordinator")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := &node{clock: hlc.NewClock(cfg.Config.NodeID)}
	defer n.close()

	switch cfg.Config.Role {
	case cfg.RoleConfig:
		err = n.startConfig(ctx)
	case cfg.RoleShard:
		n.dialConfigServer()
		err = n.startShard(ctx, cfg.Config.ShardID, n.cfgClient, n.client)
	case cfg.RoleRouter:
		n.dialConfigServer()
		n.startRouter(ctx, n.cfgClient, n.client, n.cfgClient)
	case cfg.RoleStandalone:
		err = n.startStandalone(ctx)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start node")
		return
	}

	server := transport.NewServer(n.serverOptions())
	addr := fmt.Sprintf("%s:%d", cfg.Config.Server.BindAddress, cfg.Config.Server.Port)
	go func() {
		if err := server.ListenAndServe(addr); err != nil {
			log.Error().Err(err).Str("address", addr).Msg("Server stopped")
			stop()
		}
	}()

	var chunks telemetry.ChunkStatsProvider
	if n.catalog != nil {
		chunks = n.catalog
	}
	var coordinators telemetry.CoordinatorStatsProvider
	if n.shards != nil {
		coordinators = n.shards
	}
	collector := telemetry.NewMetricsCollector(chunks, coordinators, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	log.Info().
		Str("address", addr).
		Str("advertise", cfg.Config.Server.AdvertiseAddress).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	server.Stop()
}

func (n *node) openStore(name string) (*db.Store, error) {
	path := filepath.Join(cfg.Config.DataDir, name)
	store, err := db.Open(path, db.DefaultOptions())
	if err != nil {
		return nil, err
	}
	n.stores = append(n.stores, store)
	return store, nil
}

func (n *node) dialConfigServer() {
	opts := transport.DefaultClientOptions()
	n.cfgClient = transport.NewConfigClient(cfg.Config.Placement.ConfigServerAddress, opts)
	n.client = transport.NewClient(n.cfgClient.Resolver(), opts)
	n.closers = append(n.closers, n.client.Close, n.cfgClient.Close)
}

// openCatalog opens the placement catalog, registers the static shards
// and starts the publisher and the balancer.
func (n *node) openCatalog(ctx context.Context, migrator placement.Migrator) error {
	store, err := n.openStore("config")
	if err != nil {
		return err
	}
	opts := placement.DefaultOptions(n.clock)
	opts.Migrator = migrator
	n.catalog, err = placement.Open(store, opts)
	if err != nil {
		return err
	}

	for _, s := range cfg.Config.Shards {
		if err := n.catalog.AddShard(ctx, placement.Shard{ID: s.ID, Address: s.Address}); err != nil {
			return err
		}
		for _, zone := range s.Zones {
			if err := n.catalog.AddShardToZone(ctx, s.ID, zone); err != nil {
				return err
			}
		}
	}

	if cfg.Config.Publisher.Enabled {
		n.publisher, err = publisher.NewRegistry(publisher.RegistryConfig{
			Store:       store,
			NodeID:      cfg.Config.NodeID,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			return err
		}
		n.catalog.Subscribe(n.publisher)
		if err := n.publisher.Start(); err != nil {
			return err
		}
		n.closers = append(n.closers, n.publisher.Stop)
	}

	bopts := balancer.DefaultOptions()
	n.balancer = balancer.New(n.catalog, balancer.NewOperations(n.catalog, placement.DefaultRetryPolicy()), bopts)
	go n.balancer.Run(ctx)
	return nil
}

// catalogResolver reads shard addresses straight from the catalog.
func (n *node) catalogResolver() transport.Resolver {
	return func(_ context.Context, id string) (string, error) {
		s, err := n.catalog.GetShard(id)
		if err != nil {
			return "", err
		}
		return s.Address, nil
	}
}

func (n *node) startConfig(ctx context.Context) error {
	n.client = transport.NewClient(n.catalogResolver(), transport.DefaultClientOptions())
	n.closers = append(n.closers, n.client.Close)
	return n.openCatalog(ctx, shard.NewMover(n.client.Endpoint))
}

func (n *node) startShard(ctx context.Context, id string, source shardcache.Source, participants coordinator.ParticipantClient) error {
	store, err := n.openStore(filepath.Join("shards", id))
	if err != nil {
		return err
	}
	s, err := shard.Open(ctx, store, shard.Options{
		ID:           id,
		Clock:        n.clock,
		Source:       source,
		Participants: participants,
		Ledger:       txnledger.DefaultOptions(),
		Coordinator:  coordinator.DefaultOptions(),
	})
	if err != nil {
		return err
	}
	if n.shards == nil {
		n.shards = shard.NewRegistry()
	}
	n.shards.Add(s)
	n.closers = append(n.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			log.Warn().Err(err).Str("shard", id).Msg("Shard did not close cleanly")
		}
	})
	if n.catalog != nil {
		n.catalog.Subscribe(s)
	}
	log.Info().Str("shard", id).Msg("Shard opened")
	return nil
}

func (n *node) startRouter(ctx context.Context, cache shardcache.Source, client router.ShardClient, creator router.DatabaseCreator) {
	opts := router.DefaultOptions()
	opts.Creator = creator
	opts.CursorIDs = id.NewHLCGenerator(n.clock)
	n.router = router.New(shardcache.New(cache, shardcache.Options{}), client, opts)
	go n.router.ReapCursors(ctx, time.Minute)
}

// startStandalone hosts the catalog, every configured shard and a router
// in one process. Shards reach each other through the in-process
// registry.
func (n *node) startStandalone(ctx context.Context) error {
	if len(cfg.Config.Shards) == 0 {
		cfg.Config.Shards = []cfg.ShardConfiguration{{ID: "shard0", Address: cfg.Config.Server.AdvertiseAddress}}
	}
	n.shards = shard.NewRegistry()
	if err := n.openCatalog(ctx, shard.NewMover(n.shards.Endpoint)); err != nil {
		return err
	}
	for _, s := range cfg.Config.Shards {
		if err := n.startShard(ctx, s.ID, n.catalog, n.shards); err != nil {
			return err
		}
	}
	n.startRouter(ctx, n.catalog, n.shards, n.catalog)
	return nil
}

func (n *node) serverOptions() transport.ServerOptions {
	opts := transport.ServerOptions{Secret: cfg.Config.Server.ClusterSecret}
	aopts := admin.Options{Secret: cfg.Config.Admin.Secret, Metrics: telemetry.GetMetricsHandler()}
	if n.catalog != nil {
		opts.Config = n.catalog
		aopts.Placement = n.catalog
	}
	if n.shards != nil {
		opts.Shards = n.shards
		aopts.Shards = n.shards
	}
	if n.router != nil {
		opts.Router = n.router
	}
	if cfg.Config.Admin.Enabled {
		opts.HTTP = admin.NewRouter(aopts)
	} else {
		opts.HTTP = http.NotFoundHandler()
	}
	return opts
}

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	for _, s := range n.stores {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MEOFIXBUG/walrus/config"
	"github.com/MEOFIXBUG/walrus/controller"
	"github.com/MEOFIXBUG/walrus/coordinator"
	"github.com/MEOFIXBUG/walrus/discovery"
	"github.com/MEOFIXBUG/walrus/metadata"
	"github.com/MEOFIXBUG/walrus/server"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a walrus cluster node",
		RunE:  runServe,
	}

	f := serveCmd.Flags()
	f.Uint64("node-id", 1, "numeric node id (unique per cluster)")
	f.String("bind-addr", "127.0.0.1:8401", "Serf gossip bind address")
	f.String("advertise-addr", "", "hostname others use to reach this node (optional)")
	f.Int("client-port", 9091, "client protocol port")
	f.String("data-dir", "/tmp/walrus", "segment data directory")
	f.String("api-key", "", "require clients to AUTH with this key")
	f.String("raft-addr", "127.0.0.1:9093", "Raft advertise address")
	f.String("raft-bind-addr", "", "Raft listen address (optional)")
	f.String("raft-dir", "/tmp/walrus/raft", "Raft log and snapshot directory")
	f.Bool("bootstrap", false, "bootstrap a new single-node cluster")
	f.String("raft-log-level", "ERROR", "Raft library log level")
	f.StringSlice("join", nil, "existing cluster member addresses to join")
	f.Duration("sweep-interval", controller.DefaultSweepInterval, "retention sweep interval")
	f.Uint64("segment-max-entries", controller.DefaultSegmentMaxEntries, "entries per segment before rollover")

	_ = viper.BindPFlag("node_id", f.Lookup("node-id"))
	_ = viper.BindPFlag("bind_addr", f.Lookup("bind-addr"))
	_ = viper.BindPFlag("advertise_addr", f.Lookup("advertise-addr"))
	_ = viper.BindPFlag("client_port", f.Lookup("client-port"))
	_ = viper.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = viper.BindPFlag("api_key", f.Lookup("api-key"))
	_ = viper.BindPFlag("raft.addr", f.Lookup("raft-addr"))
	_ = viper.BindPFlag("raft.bind_addr", f.Lookup("raft-bind-addr"))
	_ = viper.BindPFlag("raft.dir", f.Lookup("raft-dir"))
	_ = viper.BindPFlag("raft.bootstrap", f.Lookup("bootstrap"))
	_ = viper.BindPFlag("raft.log_level", f.Lookup("raft-log-level"))
	_ = viper.BindPFlag("join", f.Lookup("join"))
	_ = viper.BindPFlag("sweep_interval", f.Lookup("sweep-interval"))
	_ = viper.BindPFlag("segment_max_entries", f.Lookup("segment-max-entries"))

	rootCmd.AddCommand(serveCmd)
}

func serveConfig() config.Config {
	return config.Config{
		BindAddr:       viper.GetString("bind_addr"),
		AdvertiseAddr:  viper.GetString("advertise_addr"),
		StartJoinAddrs: viper.GetStringSlice("join"),
		APIKey:         viper.GetString("api_key"),
		NodeConfig: config.NodeConfig{
			ID:                viper.GetUint64("node_id"),
			ClientPort:        viper.GetInt("client_port"),
			DataDir:           viper.GetString("data_dir"),
			SegmentMaxEntries: viper.GetUint64("segment_max_entries"),
		},
		RaftConfig: config.RaftConfig{
			Address:     viper.GetString("raft.addr"),
			BindAddress: viper.GetString("raft.bind_addr"),
			Dir:         viper.GetString("raft.dir"),
			Bootstrap:   viper.GetBool("raft.bootstrap"),
			LogLevel:    viper.GetString("raft.log_level"),
		},
		Retention: config.RetentionConfig{
			SweepInterval: viper.GetDuration("sweep_interval"),
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg := serveConfig()
	if err := os.MkdirAll(cfg.NodeConfig.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.RaftConfig.Dir, 0755); err != nil {
		return err
	}

	md := metadata.New()
	coord, err := coordinator.New(cfg, md, logger)
	if err != nil {
		return err
	}
	ctrl := controller.New(
		metadata.NodeID(cfg.NodeConfig.ID),
		cfg.NodeConfig.DataDir,
		md,
		coord,
		cfg.NodeConfig.SegmentMaxEntries,
		logger,
	)
	sweeper := controller.NewSweeper(
		metadata.NodeID(cfg.NodeConfig.ID),
		md, ctrl, coord,
		cfg.Retention.SweepInterval,
		logger,
	)
	srv := server.New(ctrl, cfg.APIKey, logger)

	membership, err := discovery.New(coord, cfg)
	if err != nil {
		return err
	}

	if err := coord.WaitForLeader(30 * time.Second); err != nil {
		return err
	}
	if err := coord.EnsureSelfInMetadata(); err != nil {
		return err
	}
	sweeper.Start()

	listenAddr, err := cfg.ClientListenAddr()
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(listenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("client listener failed", zap.Error(err))
		}
	}

	if err := membership.Leave(); err != nil {
		logger.Error("serf leave failed", zap.Error(err))
	}
	sweeper.Stop()
	if err := srv.Close(); err != nil {
		logger.Error("server close failed", zap.Error(err))
	}
	if err := coord.Shutdown(); err != nil {
		logger.Error("raft shutdown failed", zap.Error(err))
	}
	return ctrl.Close()
}

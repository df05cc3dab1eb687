package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelsched/internal/logging"
	"modelsched/internal/worker"
	"modelsched/pkg/store"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		endpoints []string
		nodeID    string
		address   string
		interval  time.Duration
		ttl       int64
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Register this host as a schedulable node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			// 1. 连接 Etcd，节点 key 挂租约，Agent 挂掉后自动过期
			etcdManager, err := store.NewEtcdManager(endpoints, logger, store.WithNodeTTL(ttl))
			if err != nil {
				logger.Error("failed to connect to etcd", zap.Error(err))
				return err
			}
			defer etcdManager.Close()

			if address == "" {
				address = outboundIP()
			}

			// 2. 启动 Agent，直到收到退出信号
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			worker.NewAgent(etcdManager, nodeID, address, interval, logger).Run(ctx)
			logger.Info("shutting down worker")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&endpoints, "etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	flags.StringVar(&nodeID, "node-id", "", "node id (defaults to hostname)")
	flags.StringVar(&address, "address", "", "address advertised to the scheduler (defaults to the outbound IP)")
	flags.DurationVar(&interval, "heartbeat-interval", worker.DefaultHeartbeatInterval, "heartbeat interval")
	flags.Int64Var(&ttl, "node-ttl", 15, "seconds a node stays registered without a heartbeat")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.StringVar(&logFormat, "log-format", "json", "log format: json or console")
	return cmd
}

// outboundIP 取默认路由使用的本机地址，UDP Dial 不会真的发包
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

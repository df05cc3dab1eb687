package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"modelsched/pkg/store"
)

// cli 全局参数和延迟建立的连接
type cli struct {
	endpoints []string
	timeout   time.Duration

	store store.Store
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "modelsched-cli",
		Short:        "Inspect and submit model instances",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.store != nil {
				return nil
			}
			etcdManager, err := store.NewEtcdManager(c.endpoints, zap.NewNop())
			if err != nil {
				return fmt.Errorf("failed to connect to etcd: %w", err)
			}
			c.store = etcdManager
			return nil
		},
	}
	root.PersistentFlags().StringSliceVar(&c.endpoints, "etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 5*time.Second, "timeout for each store request")

	root.AddCommand(newInstanceCommand(c), newNodeCommand(c))
	return root
}

func (c *cli) ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

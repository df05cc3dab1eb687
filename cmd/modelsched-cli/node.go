package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newNodeCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "node",
		Aliases: []string{"nodes"},
		Short:   "Inspect the node inventory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.ctx(cmd)
			defer cancel()

			nodes, err := c.store.ListNodes(ctx)
			if err != nil {
				return err
			}
			for _, n := range nodes {
				seen := "-"
				if n.LastHeartbeat > 0 {
					seen = time.Unix(n.LastHeartbeat, 0).Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Name, n.Address, n.Status, seen)
			}
			return nil
		},
	})
	return cmd
}

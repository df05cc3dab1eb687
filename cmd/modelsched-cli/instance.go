package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"modelsched/pkg/model"
)

func newInstanceCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"instances", "mi"},
		Short:   "Manage model instances",
	}
	cmd.AddCommand(
		newInstanceCreateCommand(c),
		newInstanceListCommand(c),
		newInstanceGetCommand(c),
		newInstanceResetCommand(c),
		newInstanceDeleteCommand(c),
	)
	return cmd
}

func newInstanceCreateCommand(c *cli) *cobra.Command {
	var (
		modelName string
		count     int
		parallel  int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit PENDING model instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 || parallel < 1 {
				return fmt.Errorf("--count and --parallel must be at least 1")
			}

			var (
				wg      sync.WaitGroup
				failed  atomic.Int64
				created = make([]string, count)
			)
			// 并发控制通道 (信号量)，防止一次性并发太高
			sem := make(chan struct{}, parallel)
			start := time.Now()

			for i := 0; i < count; i++ {
				sem <- struct{}{}
				wg.Add(1)
				go func(i int) {
					defer func() {
						<-sem
						wg.Done()
					}()

					mi := &model.ModelInstance{
						ID:        uuid.NewString(),
						Name:      fmt.Sprintf("%s-%d", modelName, i),
						ModelName: modelName,
						State:     model.InstancePending,
						CreatedAt: time.Now().UTC(),
					}
					ctx, cancel := c.ctx(cmd)
					defer cancel()

					if err := c.store.CreateInstance(ctx, mi); err != nil {
						failed.Add(1)
						fmt.Fprintf(cmd.ErrOrStderr(), "failed to create instance %s: %v\n", mi.Name, err)
						return
					}
					created[i] = mi.ID
				}(i)
			}
			wg.Wait()

			if count == 1 && created[0] != "" {
				fmt.Fprintln(cmd.OutOrStdout(), created[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "created %d/%d instances in %v\n",
					int64(count)-failed.Load(), count, time.Since(start).Round(time.Millisecond))
			}
			if failed.Load() > 0 {
				return fmt.Errorf("%d instances failed", failed.Load())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modelName, "model", "model", "model name")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of instances to submit")
	cmd.Flags().IntVar(&parallel, "parallel", 50, "max concurrent submissions")
	return cmd
}

func newInstanceListCommand(c *cli) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List model instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.ctx(cmd)
			defer cancel()

			var (
				items []*model.ModelInstance
				err   error
			)
			if state != "" {
				items, err = c.store.ListInstancesByState(ctx, model.InstanceState(state))
			} else {
				items, err = c.store.ListInstances(ctx)
			}
			if err != nil {
				return err
			}
			for _, mi := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n", mi.ID, mi.Name, mi.State, mi.NodeID, mi.NodeIP)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only list instances in this state")
	return cmd
}

func newInstanceGetCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one model instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.ctx(cmd)
			defer cancel()

			mi, err := c.store.GetInstance(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, mi)
		},
	}
}

// reset 模拟节点丢失后的生命周期动作：清掉绑定并回到 PENDING，调度器会重新调度
func newInstanceResetCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset ID",
		Short: "Unbind an instance and put it back to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.ctx(cmd)
			defer cancel()

			mi, err := c.store.GetInstance(ctx, args[0])
			if err != nil {
				return err
			}
			mi.Unbind()
			if err := c.store.UpdateInstance(ctx, mi); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "instance %s reset to %s\n", mi.ID, mi.State)
			return nil
		},
	}
}

func newInstanceDeleteCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a model instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.ctx(cmd)
			defer cancel()
			return c.store.DeleteInstance(ctx, args[0])
		},
	}
}

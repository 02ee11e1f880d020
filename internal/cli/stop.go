package cli

import (
	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/rpc"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name|group ...]",
		Short: "Gracefully stop every process, or only the selected names/groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindStop, Selector: args})
			if err != nil {
				return err
			}
			return printOutcomes("stop", resp)
		},
	}
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill [name|group ...]",
		Short: "Force-kill every process, or only the selected names/groups, bypassing kill_timeout_ms",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindKill, Selector: args})
			if err != nil {
				return err
			}
			return printOutcomes("kill", resp)
		},
	}
}

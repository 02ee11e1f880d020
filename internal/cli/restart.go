package cli

import (
	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/rpc"
)

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [name|group ...]",
		Short: "Stop then start every process, or only the selected names/groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindRestart, Selector: args})
			if err != nil {
				return err
			}
			return printOutcomes("restart", resp)
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload [name|group ...]",
		Short: "Zero-downtime reload every process, or only the selected names/groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindReload, Selector: args})
			if err != nil {
				return err
			}
			return printOutcomes("reload", resp)
		},
	}
}

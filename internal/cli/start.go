package cli

import (
	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/rpc"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [name|group ...]",
		Short: "Start every process, or only the selected names/groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindStart, Selector: args, Env: envProfile})
			if err != nil {
				return err
			}
			return printOutcomes("start", resp)
		},
	}
}

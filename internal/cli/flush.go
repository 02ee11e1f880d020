package cli

import (
	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/rpc"
)

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush [name|group ...]",
		Short: "Truncate the log files of every process, or only the selected names/groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindFlush, Selector: args})
			if err != nil {
				return err
			}
			return printOutcomes("flush", resp)
		},
	}
}

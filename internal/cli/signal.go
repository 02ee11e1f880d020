package cli

import (
	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/rpc"
)

func newSignalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <signal> [name|group ...]",
		Short: "Deliver a POSIX signal to every process, or only the selected names/groups",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig := args[0]
			selector := args[1:]

			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindSignal, Signal: sig, Selector: selector})
			if err != nil {
				return err
			}
			return printOutcomes("signal", resp)
		},
	}
}

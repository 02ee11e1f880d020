package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/rpc"
)

func newSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Persist the current process state to the snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindSave})
			if err != nil {
				return err
			}
			if resp.Tag != "Ok" {
				return fmt.Errorf("save: %s: %s", resp.Error.Kind, resp.Error.Message)
			}
			fmtr.Println(resp.Message)
			return nil
		},
	}
}

func newResurrectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resurrect",
		Short: "Restart every process the last snapshot recorded as running",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindResurrect})
			if err != nil {
				return err
			}
			return printOutcomes("resurrect", resp)
		},
	}
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/output"
	"github.com/s3bba/pm3/internal/rpc"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "Show every managed process's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindList})
			if err != nil {
				return err
			}
			return renderProcessList(resp)
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show one process's full state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			c, err := client(ctx)
			if err != nil {
				return err
			}
			resp, err := c.Call(ctx, rpc.Request{Kind: rpc.KindInfo, Selector: args})
			if err != nil {
				return err
			}
			return renderProcessList(resp)
		},
	}
}

func renderProcessList(resp rpc.Response) error {
	if resp.Tag != "Ok" {
		return fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)
	}
	if fmtr.JSON() {
		return fmtr.PrintJSON(resp.Processes)
	}

	tbl := output.NewTable(os.Stdout, "NAME", "STATUS", "PID", "RESTARTS", "RSS")
	for _, p := range resp.Processes {
		tbl.AddRow(p.Name, p.Status, fmt.Sprintf("%d", p.PID), fmt.Sprintf("%d", p.RestartCount), output.FormatRSS(p.RSSBytes))
	}
	tbl.Render()
	fmtr.Println(output.CountStr(len(resp.Processes), "process", "processes"))
	return nil
}

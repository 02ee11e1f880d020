package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/paths"
	"github.com/s3bba/pm3/internal/rpc"
	"github.com/s3bba/pm3/internal/rpcclient"
)

func newLogCmd() *cobra.Command {
	var (
		follow bool
		lines  int
		stream string
	)

	cmd := &cobra.Command{
		Use:   "log <name>",
		Short: "Show (or follow) a process's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if !follow {
				var cancel context.CancelFunc
				ctx, cancel = callCtx()
				defer cancel()
			}

			// client() issues a List probe to detect/autostart the daemon;
			// reuse it instead of hand-rolling connect logic here.
			if _, err := client(ctx); err != nil {
				return err
			}
			sockPath, err := paths.SocketPath()
			if err != nil {
				return err
			}
			rc := rpcclient.New(sockPath)

			req := rpc.Request{Kind: rpc.KindLog, Selector: args, Follow: follow, Lines: lines, Stream: stream}
			return rc.StreamLog(ctx, req, func(line rpc.LogLine) {
				fmt.Fprintf(os.Stdout, "[%s:%s] %s\n", line.Process, line.Stream, line.Text)
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new output as it's written")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of trailing lines to show")
	cmd.Flags().StringVar(&stream, "stream", "", "limit to \"out\" or \"err\" (default both)")
	return cmd
}

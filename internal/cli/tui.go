package cli

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/paths"
	"github.com/s3bba/pm3/internal/rpcclient"
	"github.com/s3bba/pm3/internal/tui"
)

func newTUICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open a live, refreshing table of every managed process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx()
			defer cancel()
			if _, err := client(ctx); err != nil {
				return err
			}
			sockPath, err := paths.SocketPath()
			if err != nil {
				return err
			}
			rc := rpcclient.New(sockPath)

			p := tea.NewProgram(tui.New(rc, 2*time.Second), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

// Package cli implements the pm3 client command surface (spec.md §4.i):
// it resolves the daemon's socket, auto-starts pm3d if it isn't already
// listening, and otherwise only ever talks to the daemon through package
// rpcclient. Every subcommand lives in its own file, mirroring the
// teacher's one-cobra-command-per-file layout.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/s3bba/pm3/internal/output"
	"github.com/s3bba/pm3/internal/paths"
	"github.com/s3bba/pm3/internal/rpc"
	"github.com/s3bba/pm3/internal/rpcclient"
)

var (
	jsonOutput bool
	envProfile string

	fmtr *output.Formatter
)

var rootCmd = &cobra.Command{
	Use:   "pm3",
	Short: "Process supervisor: manage long-running processes from pm3.toml",
	Long: `pm3 supervises the processes declared in pm3.toml: it starts them in
dependency order, restarts them on failure with exponential backoff, probes
their health, captures their logs, and reloads them without downtime.

Quick Start:
  pm3 start                 # start every process
  pm3 list                  # show status of every managed process
  pm3 log api -f            # follow a process's combined log
  pm3 reload api            # zero-downtime reload`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		fmtr = output.Default()
		fmtr.SetJSON(jsonOutput)
		return nil
	},
}

// Execute runs the pm3 client, returning the first error a subcommand
// reports.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "render output as JSON")
	rootCmd.PersistentFlags().StringVar(&envProfile, "env", "", "environment profile to apply ([<process>.env_<name>] tables in pm3.toml)")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newKillCmd())
	rootCmd.AddCommand(newRestartCmd())
	rootCmd.AddCommand(newReloadCmd())
	rootCmd.AddCommand(newSignalCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newLogCmd())
	rootCmd.AddCommand(newFlushCmd())
	rootCmd.AddCommand(newSaveCmd())
	rootCmd.AddCommand(newResurrectCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newTUICmd())
}

// client dials the daemon's socket, auto-starting pm3d against configPath
// if nothing is listening yet (spec.md §4.i: "the client transparently
// starts the daemon on first use").
func client(ctx context.Context) (*rpcclient.Client, error) {
	sockPath, err := paths.SocketPath()
	if err != nil {
		return nil, err
	}

	c := rpcclient.New(sockPath)
	if _, err := c.Call(ctx, rpc.Request{Kind: rpc.KindList}); err == nil {
		return c, nil
	}

	if err := autostartDaemon(); err != nil {
		return nil, err
	}

	for i := 0; i < 50; i++ {
		if _, err := c.Call(ctx, rpc.Request{Kind: rpc.KindList}); err == nil {
			return c, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("daemon did not become ready after autostart")
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printOutcomes(tag string, resp rpc.Response) error {
	if resp.Tag != "Ok" {
		return fmt.Errorf("%s: %s: %s", tag, resp.Error.Kind, resp.Error.Message)
	}
	if fmtr.JSON() {
		return fmtr.PrintJSON(resp.Outcomes)
	}
	tbl := output.NewTable(os.Stdout, "PROCESS", "RESULT")
	failed := 0
	for _, oc := range resp.Outcomes {
		result := "ok"
		if oc.Error != "" {
			result = output.Truncate(oc.Error, 60)
			failed++
		}
		tbl.AddRow(oc.Name, result)
	}
	tbl.Render()

	ok := len(resp.Outcomes) - failed
	summary := fmt.Sprintf("%s: %s", tag, output.CountStr(ok, "process", "processes"))
	if failed > 0 {
		summary += fmt.Sprintf(", %s", output.CountStr(failed, "failure", "failures"))
	}
	fmtr.Println(summary)
	return nil
}

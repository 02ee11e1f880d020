package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const pm3TomlTemplate = `# pm3.toml — generated by "pm3 init"
# See https://github.com/s3bba/pm3 for the full field reference.

[notify]
enabled = false

[web]
command = "node server.js"
cwd = "."
restart_policy = "on_failure"
max_restarts = 10
min_uptime_ms = 3000
kill_signal = "SIGTERM"
kill_timeout_ms = 5000
# health_check = { scheme = "http", target = "127.0.0.1:8080/healthz" }
# depends_on = ["db"]
# group = "backend"
`

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter pm3.toml in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat("pm3.toml"); err == nil && !force {
				return fmt.Errorf("pm3.toml already exists (use --force to overwrite)")
			}
			if err := os.WriteFile("pm3.toml", []byte(pm3TomlTemplate), 0o644); err != nil {
				return fmt.Errorf("write pm3.toml: %w", err)
			}
			fmtr.Println("wrote pm3.toml")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing pm3.toml")
	return cmd
}

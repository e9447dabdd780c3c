package main

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Ledger bridge between the command outbox, the ledger and the read models",
	Long: `Runs the command submitter, the event projector and the HTTP API of the
ledger bridge. Each half can run in its own process or all together.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "internal/config/config.yaml", "path to the yaml config file")
	rootCmd.AddCommand(migrateCmd, submitterCmd, projectorCmd, serveCmd, allCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfgPath)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.repo.AutoMigrate(cmd.Context()); err != nil {
			return err
		}
		a.log.Infow("schema migrated")
		return nil
	},
}

var submitterCmd = &cobra.Command{
	Use:   "submitter",
	Short: "Submit queued commands to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoles(cmd, roles{submitter: true})
	},
}

var projectorCmd = &cobra.Command{
	Use:   "projector",
	Short: "Project ledger events into the read models",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoles(cmd, roles{projector: true})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the command and query API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoles(cmd, roles{api: true})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the submitter, the projector and the API in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoles(cmd, roles{submitter: true, projector: true, api: true})
	},
}

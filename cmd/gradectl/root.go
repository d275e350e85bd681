package main

import (
	"fmt"

	"github.com/sahilchouksey/go-exam-grader/config"
	"github.com/sahilchouksey/go-exam-grader/database"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
	dbPath  string

	env *config.EnviornmentVariable
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gradectl",
	Short: "Grade exam submissions against a marking guide",
	Long: `gradectl drives the grading pipeline without the HTTP server.

It reads the same environment as the server (.env is loaded in development),
so OCR and model backends are configured the same way.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadENV(); err != nil {
			return fmt.Errorf("load env: %w", err)
		}
		var err error
		env, err = config.Get()
		if err != nil {
			return err
		}

		mode := "production"
		if verbose {
			mode = "development"
		}
		log, err = logger.New(mode)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite database file (default: the configured database)")

	rootCmd.AddCommand(gradeCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reapCmd)
}

// openStore opens --db as sqlite when given, otherwise the configured database.
func openStore() (*database.GORMStore, error) {
	var (
		store *database.GORMStore
		err   error
	)
	if dbPath != "" {
		store, err = database.OpenSQLite(dbPath, nil)
	} else {
		store, err = database.StartGORM()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := store.Init(); err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

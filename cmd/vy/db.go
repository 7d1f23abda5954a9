package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/vibeyard/internal/config"
	"github.com/zulandar/vibeyard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Vibeyard database",
		Long:  "Creates the database if needed (mysql) and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "vibeyard.yaml", "path to Vibeyard config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	gormDB, err := db.Init(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	switch cfg.Database.Driver {
	case "mysql":
		fmt.Fprintf(out, "Database %s ready at %s:%d\n", cfg.Database.Name, cfg.Database.Host, cfg.Database.Port)
	default:
		fmt.Fprintf(out, "Database ready at %s\n", cfg.Database.Path)
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nVibeyard database initialized successfully.")
	return nil
}

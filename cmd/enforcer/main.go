// Command enforcer runs the quota-enforced publishing pipeline.
//
//	enforcer serve     cron + HTTP API
//	enforcer run       one enforcement pass, JSON summary on stdout
//	enforcer migrate   schema migrations
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/PortNumber53/publish-enforcer/internal/config"
	"github.com/PortNumber53/publish-enforcer/internal/logging"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(defaultDeps()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type deps struct {
	loadEnv   func(...string) error
	getenv    func(string) string
	openDB    func(databaseURL string) (*sql.DB, error)
	transport http.RoundTripper
	out       io.Writer
	logOut    io.Writer
}

func defaultDeps() deps {
	return deps{
		loadEnv: godotenv.Load,
		getenv:  os.Getenv,
		openDB:  openDB,
		out:     os.Stdout,
		logOut:  os.Stderr,
	}
}

// env loads .env, the config and the logger shared by every subcommand.
func (d deps) env() (config.Config, zerolog.Logger, error) {
	if d.loadEnv != nil {
		_ = d.loadEnv()
	}
	cfg, err := config.Load(d.getenv)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.Log, d.logOut), nil
}

func newRootCmd(d deps) *cobra.Command {
	root := &cobra.Command{
		Use:          "enforcer",
		Short:        "Publish approved posts within each subscriber's plan quota",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(d), newRunCmd(d), newMigrateCmd(d))
	return root
}

func newServeCmd(d deps) *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the enforcement cron and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := d.env()
			if err != nil {
				return err
			}
			db, err := d.openDB(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if !skipMigrate {
				if err := migrateUp(db, cfg.MigrationsURL); err != nil {
					return err
				}
				log.Info().Msg("database_up_to_date")
			}

			a, err := buildApp(cfg, db, log, d.transport)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply migrations on startup")
	return cmd
}

func newRunCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform one enforcement pass and print its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := d.env()
			if err != nil {
				return err
			}
			db, err := d.openDB(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			a, err := buildApp(cfg, db, log, d.transport)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.scheduler.Trigger(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(d.out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return err
			}
			if len(sum.Errors) > 0 {
				return fmt.Errorf("run finished with %d error(s)", len(sum.Errors))
			}
			return nil
		},
	}
}

func newMigrateCmd(d deps) *cobra.Command {
	var o migrateOptions
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			cfg, _, err := d.env()
			if err != nil {
				return err
			}
			db, err := d.openDB(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			msg, err := runMigrate(db, cfg.MigrationsURL, o)
			if err != nil {
				return err
			}
			fmt.Fprintln(d.out, msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&o.direction, "direction", "up", "Migration direction: up or down")
	cmd.Flags().IntVar(&o.steps, "steps", 0, "Number of migration steps (0 = all)")
	cmd.Flags().IntVar(&o.force, "force", -1, "Force set migration version (clears dirty state)")
	cmd.Flags().BoolVar(&o.forceDirty, "force-dirty", false, "If the database is dirty, force it to the current version and exit")
	return cmd
}

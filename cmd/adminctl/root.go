package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/auth"
	"github.com/mbd888/campaignhq/internal/user"
	"github.com/spf13/cobra"
)

// actorID names this tool in audit entries.
const actorID = "system:adminctl"

var errNoDatabase = errors.New("DATABASE_URL is required")

type app struct {
	users   user.Store
	journal audit.Store
	issuer  *auth.SessionIssuer // nil without SESSION_SECRET
	now     func() time.Time
	close   func() error
}

type wireFunc func(ctx context.Context) (*app, error)

func wireApp(ctx context.Context) (*app, error) {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, errNoDatabase
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	a := &app{
		users:   user.NewPostgresStore(db),
		journal: audit.NewPostgresStore(db),
		now:     time.Now,
		close:   db.Close,
	}
	if secret := os.Getenv("SESSION_SECRET"); secret != "" {
		a.issuer, err = auth.NewSessionIssuer(secret, sessionTTL())
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return a, nil
}

func sessionTTL() time.Duration {
	d, err := time.ParseDuration(os.Getenv("SESSION_TTL"))
	if err != nil {
		return auth.DefaultSessionTTL
	}
	return d
}

func newRootCmd(wire wireFunc) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "adminctl",
		Short:         "campaignhq operator tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newBootstrapAdminCmd(wire),
		newIssueSessionCmd(wire),
	)

	return rootCmd
}

// withApp wires the app for one command run and releases it afterwards.
func withApp(cmd *cobra.Command, wire wireFunc, run func(*app) error) error {
	a, err := wire(cmd.Context())
	if err != nil {
		return err
	}
	if a.close != nil {
		defer func() { _ = a.close() }()
	}
	return run(a)
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/campaignhq/internal/user"
	"github.com/spf13/cobra"
)

var errNoSessionSecret = errors.New("SESSION_SECRET is required to issue sessions")

func newIssueSessionCmd(wire wireFunc) *cobra.Command {
	var email, id string

	cmd := &cobra.Command{
		Use:   "issue-session",
		Short: "Print a session token for an existing account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (email == "") == (id == "") {
				return errors.New("exactly one of --email or --user-id is required")
			}
			return withApp(cmd, wire, func(a *app) error {
				token, err := issueSession(cmd.Context(), a, id, email)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&id, "user-id", "", "account id")

	return cmd
}

func issueSession(ctx context.Context, a *app, id, email string) (string, error) {
	if a.issuer == nil {
		return "", errNoSessionSecret
	}

	var (
		u   *user.User
		err error
	)
	if id != "" {
		u, err = a.users.Get(ctx, id)
	} else {
		u, err = a.users.GetByEmail(ctx, user.NormalizeEmail(email))
	}
	if err != nil {
		return "", err
	}
	if u.IsSuspended {
		return "", fmt.Errorf("account %s is suspended", u.ID)
	}
	return a.issuer.Issue(u)
}

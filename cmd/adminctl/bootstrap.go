package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/campaignhq/internal/audit"
	"github.com/mbd888/campaignhq/internal/idgen"
	"github.com/mbd888/campaignhq/internal/user"
	"github.com/mbd888/campaignhq/internal/validation"
	"github.com/spf13/cobra"
)

var errAdminExists = errors.New("an active super_admin already exists; promote through the admin API")

func newBootstrapAdminCmd(wire wireFunc) *cobra.Command {
	var email, name string

	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Create or promote the first super_admin",
		Long: "bootstrap-admin grants super_admin to the account with the given email, " +
			"creating it if needed. It refuses once any active super_admin exists.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, wire, func(a *app) error {
				u, created, err := bootstrapAdmin(cmd.Context(), a, email, name)
				if err != nil {
					return err
				}
				verb := "promoted"
				if created {
					verb = "created"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s super_admin %s\t%s\n", verb, u.ID, u.Email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name for a new account")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func bootstrapAdmin(ctx context.Context, a *app, email, name string) (*user.User, bool, error) {
	email = user.NormalizeEmail(email)
	if !validation.IsValidEmail(email) {
		return nil, false, fmt.Errorf("invalid email %q", email)
	}

	n, err := a.users.CountActiveSuperAdmins(ctx)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		return nil, false, errAdminExists
	}

	existing, err := a.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		entry := audit.NewEntry(actorID, audit.ActionUserPromoted,
			audit.Target{Type: audit.TargetUser, ID: existing.ID},
			map[string]interface{}{"source": "bootstrap"})
		u, err := a.users.Promote(ctx, existing.ID, entry)
		return u, false, err
	case !errors.Is(err, user.ErrNotFound):
		return nil, false, err
	}

	now := a.now().UTC()
	u := &user.User{
		ID:         idgen.WithPrefix(idgen.PrefixUser),
		Email:      email,
		Name:       strings.TrimSpace(name),
		GlobalRole: user.RoleSuperAdmin,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.users.Create(ctx, u); err != nil {
		return nil, false, err
	}
	entry := audit.NewEntry(actorID, audit.ActionUserPromoted,
		audit.Target{Type: audit.TargetUser, ID: u.ID},
		map[string]interface{}{"source": "bootstrap", "created": true})
	if err := a.journal.Append(ctx, entry); err != nil {
		return nil, false, fmt.Errorf("record bootstrap: %w", err)
	}
	return u, true, nil
}

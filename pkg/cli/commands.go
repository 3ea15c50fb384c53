package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

func newMigrateCommand(env *environment) *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Flags:       flag.NewFlagSet("migrate", flag.ContinueOnError),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		if ok, err := parseFlags(cmd.Flags, args, env.out); !ok {
			return err
		}
		return env.with(ctx, func(svc *Services) error {
			applied, err := svc.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			env.logger.WithField("applied", applied).Info("Schema is up to date")
			fmt.Fprintf(env.out, "Applied %d migration(s)\n", applied)
			return nil
		})
	}
	return cmd
}

func newCreateClientCommand(env *environment) *Command {
	cmd := &Command{
		Name:        "create-client",
		Description: "Register a service client and print its secret once",
		Flags:       flag.NewFlagSet("create-client", flag.ContinueOnError),
	}
	clientID := cmd.Flags.String("id", "", "Client identifier (required)")
	name := cmd.Flags.String("name", "", "Display name (defaults to the id)")
	scopes := cmd.Flags.String("scopes", "", "Comma-separated scopes the client may request (required)")

	cmd.Run = func(ctx context.Context, args []string) error {
		if ok, err := parseFlags(cmd.Flags, args, env.out); !ok {
			return err
		}
		if *clientID == "" {
			return errors.New("-id is required")
		}
		list := splitList(*scopes)
		if len(list) == 0 {
			return errors.New("-scopes is required")
		}

		return env.with(ctx, func(svc *Services) error {
			cred, secret, err := svc.Tokens.CreateServiceCredential(ctx, *clientID, *name, list)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			env.logger.WithField("client_id", cred.ClientID).Info("Service client created")
			fmt.Fprintf(env.out, "client_id:     %s\n", cred.ClientID)
			fmt.Fprintf(env.out, "scopes:        %s\n", strings.Join(cred.Scopes, " "))
			fmt.Fprintf(env.out, "client_secret: %s\n", secret)
			fmt.Fprintln(env.out, "Store the secret now; it cannot be shown again.")
			return nil
		})
	}
	return cmd
}

func newDisableClientCommand(env *environment) *Command {
	cmd := &Command{
		Name:        "disable-client",
		Description: "Stop a service client from minting tokens",
		Flags:       flag.NewFlagSet("disable-client", flag.ContinueOnError),
	}
	clientID := cmd.Flags.String("id", "", "Client identifier (required)")

	cmd.Run = func(ctx context.Context, args []string) error {
		if ok, err := parseFlags(cmd.Flags, args, env.out); !ok {
			return err
		}
		if *clientID == "" {
			return errors.New("-id is required")
		}
		return env.with(ctx, func(svc *Services) error {
			if err := svc.Tokens.DisableServiceCredential(ctx, *clientID); err != nil {
				return fmt.Errorf("failed to disable client %s: %w", *clientID, err)
			}
			env.logger.WithField("client_id", *clientID).Info("Service client disabled")
			fmt.Fprintf(env.out, "Disabled %s\n", *clientID)
			return nil
		})
	}
	return cmd
}

func newSweepCommand(env *environment) *Command {
	cmd := &Command{
		Name:        "sweep",
		Description: "Run every maintenance job once",
		Flags:       flag.NewFlagSet("sweep", flag.ContinueOnError),
	}
	cmd.Run = func(ctx context.Context, args []string) error {
		if ok, err := parseFlags(cmd.Flags, args, env.out); !ok {
			return err
		}
		return env.with(ctx, func(svc *Services) error {
			if err := svc.Jobs.RunAll(ctx); err != nil {
				return fmt.Errorf("maintenance failed: %w", err)
			}
			fmt.Fprintln(env.out, "Maintenance complete")
			return nil
		})
	}
	return cmd
}

func newCreateOrganizationCommand(env *environment) *Command {
	cmd := &Command{
		Name:        "create-organization",
		Description: "Create a client organization",
		Flags:       flag.NewFlagSet("create-organization", flag.ContinueOnError),
	}
	name := cmd.Flags.String("name", "", "Organization name (required)")
	contact := cmd.Flags.String("contact", "", "Contact email")

	cmd.Run = func(ctx context.Context, args []string) error {
		if ok, err := parseFlags(cmd.Flags, args, env.out); !ok {
			return err
		}
		if *name == "" {
			return errors.New("-name is required")
		}
		return env.with(ctx, func(svc *Services) error {
			org, err := svc.Identity.CreateOrganization(ctx, *name, *contact)
			if err != nil {
				return fmt.Errorf("failed to create organization: %w", err)
			}
			fmt.Fprintf(env.out, "Created organization %d (%s)\n", org.ID, org.Name)
			return nil
		})
	}
	return cmd
}

// newMigrateLegacyRoleCommand backfills one user's legacy role string into a
// canonical assignment
func newMigrateLegacyRoleCommand(env *environment) *Command {
	cmd := &Command{
		Name:        "migrate-legacy-role",
		Description: "Translate a legacy role string into a role assignment",
		Flags:       flag.NewFlagSet("migrate-legacy-role", flag.ContinueOnError),
	}
	userID := cmd.Flags.Int64("user", 0, "User id (required)")
	legacy := cmd.Flags.String("role", "", "Legacy role string (required)")
	org := cmd.Flags.Int64("org", 0, "Organization id for client-scoped roles")

	cmd.Run = func(ctx context.Context, args []string) error {
		if ok, err := parseFlags(cmd.Flags, args, env.out); !ok {
			return err
		}
		if *userID <= 0 {
			return errors.New("-user is required")
		}
		role, ok := rbac.MigrateLegacyRole(*legacy)
		if !ok {
			return fmt.Errorf("no canonical role for legacy value %q", *legacy)
		}
		orgID := optionalID(*org)

		return env.with(ctx, func(svc *Services) error {
			if _, err := svc.Identity.GetUser(ctx, *userID); err != nil {
				return fmt.Errorf("user %d: %w", *userID, err)
			}
			a, err := svc.Roles.Bootstrap(ctx, *userID, role, orgID)
			if err != nil {
				return fmt.Errorf("failed to assign %s: %w", role, err)
			}
			env.logger.WithField("user_id", *userID).WithField("legacy", *legacy).Infof("Migrated to %s", role)
			fmt.Fprintf(env.out, "User %d: %q -> %s (assignment %d)\n", *userID, *legacy, a.Role, a.ID)
			return nil
		})
	}
	return cmd
}

// newBootstrapAdminCommand creates or resolves the first operator and grants
// super_admin without a grantor
func newBootstrapAdminCommand(env *environment) *Command {
	cmd := &Command{
		Name:        "bootstrap-admin",
		Description: "Create the first super admin",
		Flags:       flag.NewFlagSet("bootstrap-admin", flag.ContinueOnError),
	}
	email := cmd.Flags.String("email", "", "Admin email (required)")
	name := cmd.Flags.String("name", "", "Display name")
	password := cmd.Flags.String("password", "", "Initial password (required)")

	cmd.Run = func(ctx context.Context, args []string) error {
		if ok, err := parseFlags(cmd.Flags, args, env.out); !ok {
			return err
		}
		if *email == "" || *password == "" {
			return errors.New("-email and -password are required")
		}

		return env.with(ctx, func(svc *Services) error {
			user, err := svc.Identity.Resolve(ctx, *email)
			switch {
			case errors.Is(err, identity.ErrNotFound):
				user, _, err = svc.Identity.CreateUser(ctx, identity.NewUser{
					DisplayName: *name,
					Email:       *email,
					Kind:        identity.EmailKindPersonal,
					Provenance:  "bootstrap",
				})
				if err != nil {
					return fmt.Errorf("failed to create user: %w", err)
				}
			case err != nil:
				return err
			}

			if err := svc.Identity.SetPassword(ctx, user.ID, *password); err != nil {
				return fmt.Errorf("failed to set password: %w", err)
			}

			roles, err := svc.Roles.EffectiveRoles(ctx, user.ID, nil)
			if err != nil {
				return err
			}
			for _, r := range roles {
				if r.Role == rbac.RoleSuperAdmin {
					fmt.Fprintf(env.out, "User %d is already a super admin\n", user.ID)
					return nil
				}
			}
			if _, err := svc.Roles.Bootstrap(ctx, user.ID, rbac.RoleSuperAdmin, nil); err != nil {
				return fmt.Errorf("failed to grant super_admin: %w", err)
			}
			fmt.Fprintf(env.out, "User %d is now a super admin\n", user.ID)
			return nil
		})
	}
	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func optionalID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

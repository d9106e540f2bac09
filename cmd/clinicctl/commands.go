package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"clinic/server/internal/authpw"
	"clinic/server/internal/rbac"
	"clinic/server/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.ApplyMigrations(cmd.Context(), db, migrationsDir); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print the bcrypt hash of a password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := authpw.NewService(nil).HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage login accounts",
	}

	var (
		email    string
		password string
		roleName string
		inactive bool
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a login account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, ok := rbac.ParseRole(roleName)
			if !ok {
				return fmt.Errorf("unknown role %q", roleName)
			}
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			pg := store.NewPostgresStore(db)
			identity := authpw.NewService(pg)
			hash, err := identity.HashPassword(password)
			if err != nil {
				return err
			}
			registered, err := identity.IsRegisteredEmail(ctx, email)
			if err != nil {
				return err
			}
			if registered {
				return fmt.Errorf("email %s is already registered", strings.TrimSpace(email))
			}
			roleRow, err := pg.FindRoleByName(ctx, string(role))
			if err != nil {
				return fmt.Errorf("find role %s: %w", role, err)
			}
			id, err := pg.CreateUser(ctx, store.User{
				Email:        strings.TrimSpace(email),
				PasswordHash: hash,
				RoleID:       roleRow.ID,
				Active:       !inactive,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s, %s)\n", id, email, role)
			return nil
		},
	}
	createCmd.Flags().StringVar(&email, "email", "", "Account email")
	createCmd.Flags().StringVar(&password, "password", "", "Account password")
	createCmd.Flags().StringVar(&roleName, "role", "", "Administrator, Doctor or Patient")
	createCmd.Flags().BoolVar(&inactive, "inactive", false, "Create the account disabled")
	_ = createCmd.MarkFlagRequired("email")
	_ = createCmd.MarkFlagRequired("password")
	_ = createCmd.MarkFlagRequired("role")

	userCmd.AddCommand(createCmd, setActiveCmd("activate", true), setActiveCmd("deactivate", false))
	return userCmd
}

func setActiveCmd(name string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <user-id>",
		Short: fmt.Sprintf("Mark an account %sd", name),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.NewPostgresStore(db).SetUserActive(cmd.Context(), id, active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d %sd\n", id, name)
			return nil
		},
	}
}

func openDB(ctx context.Context) (*sql.DB, error) {
	db, err := store.Open(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

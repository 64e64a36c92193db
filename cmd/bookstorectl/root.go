package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"bookstore/pkg/domain"
	"bookstore/pkg/session"
	"bookstore/pkg/store"
)

// sessionPrefix must match the prefix the auth and book services revoke under.
const sessionPrefix = "bookstore:session:"

type globalOptions struct {
	databaseURL   string
	redisAddr     string
	redisPassword string
	sessionTTL    time.Duration
}

func (o *globalOptions) openStore() (*store.GormStore, error) {
	dsn := strings.TrimSpace(o.databaseURL)
	if dsn == "" {
		return nil, errors.New("database url is required (use --database-url or DATABASE_URL)")
	}
	return store.NewGormStore(dsn)
}

func (o *globalOptions) openRevoker() (*session.RedisRevoker, func() error, error) {
	addr := strings.TrimSpace(o.redisAddr)
	if addr == "" {
		return nil, nil, errors.New("redis address is required (use --redis-addr or REDIS_ADDR)")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: o.redisPassword})
	return session.NewRedisRevoker(client, sessionPrefix, o.sessionTTL), client.Close, nil
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "bookstorectl",
		Short: "Maintenance tasks for the bookstore services",
		Long: `bookstorectl operates directly on the bookstore database and session store.

It migrates the schema, provisions roles, prunes expired activation codes
and manages account locks. Every command needs --database-url (or
DATABASE_URL); session commands also need --redis-addr (or REDIS_ADDR).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "postgres DSN or sqlite:<path>")
	flags.StringVar(&opts.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address for session revocation")
	flags.StringVar(&opts.redisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	flags.DurationVar(&opts.sessionTTL, "session-ttl", 24*time.Hour, "how long a revocation cutoff is retained")

	cmd.AddCommand(
		newMigrateCommand(opts),
		newRolesCommand(opts),
		newTokensCommand(opts),
		newUsersCommand(opts),
		newSessionsCommand(opts),
	)
	return cmd
}

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and the default role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("ping database: %w", err)
			}
			if _, err := s.EnsureRole(domain.RoleUser); err != nil {
				return fmt.Errorf("ensure role %s: %w", domain.RoleUser, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newRolesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage roles",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "ensure [name...]",
		Short:   "Create roles that do not exist yet",
		Example: "  bookstorectl roles ensure USER ADMIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{domain.RoleUser}
			}
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			for _, name := range args {
				role, err := s.EnsureRole(name)
				if err != nil {
					return fmt.Errorf("ensure role %q: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", role.Name, role.ID)
			}
			return nil
		},
	})
	return cmd
}

func newTokensCommand(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete activation codes that expired before the cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := s.DeleteExpiredTokens(time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("prune tokens: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired tokens\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 0, "only delete tokens expired at least this long ago")

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage activation codes",
	}
	cmd.AddCommand(prune)
	return cmd
}

func newUsersCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect and lock accounts",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <email>",
			Short: "Print an account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := opts.openStore()
				if err != nil {
					return err
				}
				defer s.Close()
				user, err := findUser(s, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:      %s\n", user.ID)
				fmt.Fprintf(out, "name:    %s\n", user.FullName())
				fmt.Fprintf(out, "email:   %s\n", user.Email)
				fmt.Fprintf(out, "enabled: %t\n", user.Enabled)
				fmt.Fprintf(out, "locked:  %t\n", user.Locked)
				fmt.Fprintf(out, "roles:   %s\n", strings.Join(user.Roles, ","))
				return nil
			},
		},
		newLockCommand(opts, "lock", true),
		newLockCommand(opts, "unlock", false),
	)
	return cmd
}

func newLockCommand(opts *globalOptions, use string, locked bool) *cobra.Command {
	short := "Lock an account so it can no longer sign in"
	if !locked {
		short = "Unlock a previously locked account"
	}
	return &cobra.Command{
		Use:   use + " <email>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			user, err := findUser(s, args[0])
			if err != nil {
				return err
			}
			if user.Locked == locked {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already %sed\n", user.Email, use)
				return nil
			}
			user.Locked = locked
			user.UpdatedAt = time.Now().UTC()
			if err := s.SaveUser(user); err != nil {
				return fmt.Errorf("save user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %sed\n", user.Email, use)
			return nil
		},
	}
}

func newSessionsCommand(opts *globalOptions) *cobra.Command {
	revoke := &cobra.Command{
		Use:   "revoke <email>",
		Short: "Invalidate every token issued to an account so far",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			revoker, closeRedis, err := opts.openRevoker()
			if err != nil {
				return err
			}
			defer closeRedis()
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			user, err := findUser(s, args[0])
			if err != nil {
				return err
			}
			if err := revoker.RevokeUser(cmd.Context(), user.ID, time.Now()); err != nil {
				return fmt.Errorf("revoke sessions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sessions revoked for %s\n", user.Email)
			return nil
		},
	}
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage issued access tokens",
	}
	cmd.AddCommand(revoke)
	return cmd
}

func findUser(s *store.GormStore, email string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := s.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("no user with email %s", email)
	}
	return user, nil
}

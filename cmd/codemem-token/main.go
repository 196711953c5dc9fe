// codemem-token manages gateway credentials: create, list, revoke, enable,
// delete, plus the audit trail and usage stats.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"codemem/internal/auth"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/internal/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "codemem-token",
		Short:         "Manage codemem gateway tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newCreateCmd(),
		newListCmd(),
		newRevokeCmd(),
		newEnableCmd(),
		newDeleteCmd(),
		newAuditCmd(),
		newStatsCmd(),
	)
	return root
}

// withStore opens the auth store for the duration of one command.
func withStore(fn func(ctx context.Context, store *auth.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := auth.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	// The CLI talks straight to postgres; no validation cache.
	store := auth.NewStore(db, nil, cfg.Redis.ValidationTTL, logging.NewLogger(logging.ERROR), metrics.New())
	return fn(ctx, store)
}

func newCreateCmd() *cobra.Command {
	var (
		displayName string
		email       string
		permissions []string
		expiresIn   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Create a token for a user",
		Long: `Create a new gateway token bound to a user ID.

The full token value is printed once and never stored in clear; keep it safe.

Examples:
  codemem-token create alice --name "Alice" --email alice@example.com
  codemem-token create ci-bot --expires-in 720h --permission read`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *auth.Store) error {
				token, err := store.Create(ctx, args[0], displayName, email, permissions, expiresIn)
				if err != nil {
					return err
				}
				// The token line comes first so scripts can capture it.
				fmt.Printf("token: %s\n", token.Token)
				fmt.Printf("user:  %s\n", token.UserID)
				if token.ExpiresAt != nil {
					fmt.Printf("expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
				}
				color.Green("Token created. Pass it in the %s header.", "X-MCP-Token")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&displayName, "name", "n", "", "display name of the token holder")
	cmd.Flags().StringVarP(&email, "email", "e", "", "contact email of the token holder")
	cmd.Flags().StringArrayVar(&permissions, "permission", nil, "capability tag, repeatable (empty means unrestricted)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime, e.g. 720h (0 means no expiry)")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tokens (prefixes only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *auth.Store) error {
				tokens, err := store.List(ctx)
				if err != nil {
					return err
				}
				if len(tokens) == 0 {
					fmt.Println("No tokens.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PREFIX\tUSER\tNAME\tSTATUS\tCREATED\tEXPIRES\tLAST USED")
				for i := range tokens {
					t := &tokens[i]
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						t.Prefix(), t.UserID, t.DisplayName, statusOf(t),
						t.CreatedAt.Format("2006-01-02"),
						formatTime(t.ExpiresAt), formatTime(t.LastUsedAt))
				}
				return w.Flush()
			})
		},
	}
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token-prefix>",
		Short: "Disable tokens matching a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return countingAction(args[0], "revoked", (*auth.Store).Revoke)
		},
	}
}

func newEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <token-prefix>",
		Short: "Re-enable tokens matching a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return countingAction(args[0], "enabled", (*auth.Store).Enable)
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <token-prefix>",
		Short: "Delete tokens matching a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return countingAction(args[0], "deleted", (*auth.Store).Delete)
		},
	}
}

// countingAction runs a prefix-scoped mutation and reports how many tokens it
// touched. Zero matches is an error so typos don't pass silently.
func countingAction(prefix, verb string, op func(*auth.Store, context.Context, string) (int, error)) error {
	return withStore(func(ctx context.Context, store *auth.Store) error {
		n, err := op(store, ctx, prefix)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no tokens match prefix %q", prefix)
		}
		color.Green("%d token(s) %s.", n, verb)
		return nil
	})
}

func newAuditCmd() *cobra.Command {
	var (
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the validation audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *auth.Store) error {
				entries, err := store.Audit(ctx, time.Now().Add(-since), limit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Println("No audit entries.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tTOKEN\tUSER\tACTION\tCLIENT\tERROR")
				for i := range entries {
					e := &entries[i]
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.CreatedAt.Format(time.RFC3339), e.TokenPrefix(),
						e.UserID, colorAction(e.Action), e.ClientInfo.Addr,
						e.ErrorMessage)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show token usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store *auth.Store) error {
				stats, err := store.GetStats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Tokens:            %d (%d active)\n", stats.TotalTokens, stats.ActiveTokens)
				fmt.Printf("Validations (30d): %d\n", stats.Logins30d)
				fmt.Printf("  successful:      %d\n", stats.SuccessfulLogins)
				fmt.Printf("  failed:          %d\n", stats.FailedLogins)
				if stats.LastActivity != nil {
					fmt.Printf("Last activity:     %s\n", stats.LastActivity.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func statusOf(t *auth.Token) string {
	switch {
	case !t.Enabled:
		return color.RedString("revoked")
	case t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()):
		return color.YellowString("expired")
	default:
		return color.GreenString("active")
	}
}

func colorAction(action string) string {
	if action == auth.ActionSuccess {
		return color.GreenString(action)
	}
	return color.RedString(action)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/haasonsaas/butler/internal/auth"
	"github.com/haasonsaas/butler/internal/config"
	"github.com/haasonsaas/butler/internal/sqlguard"
	"github.com/haasonsaas/butler/pkg/models"
)

// errDenied makes the process exit non-zero for a denied statement.
var errDenied = errors.New("statement denied")

// loadChecker builds the policy checker for cfg. Static policies are
// checked without connecting to the database.
func loadChecker(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Policy.Source == config.PolicySourceStatic {
		cfg.Database.URL = ""
	}
	return newBaseRuntime(ctx, cfg, slog.Default())
}

// asRoles returns ctx carrying a CLI caller with roles.
func asRoles(ctx context.Context, roles []string) context.Context {
	if len(roles) == 0 {
		return ctx
	}
	return auth.WithUser(ctx, &models.User{ID: "cli", Roles: roles})
}

func runSQLCheck(ctx context.Context, out io.Writer, configPath string, roles []string, statement string) error {
	rt, err := loadChecker(ctx, configPath)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	access, err := rt.checker.Extract(statement)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tTABLE\tCOLUMN")
	for _, t := range access.Tables {
		fmt.Fprintf(w, "%s\t%s\t\n", t.Action, t.Table)
	}
	for _, c := range access.Columns {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Action, c.Table, c.Column)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	err = rt.checker.Check(asRoles(ctx, roles), statement)
	switch {
	case err == nil:
		fmt.Fprintln(out, "allowed")
		return nil
	case sqlguard.IsDenial(err):
		fmt.Fprintf(out, "denied: %s\n", err)
		return errDenied
	default:
		return err
	}
}

func runSQLTables(ctx context.Context, out io.Writer, configPath string, roles []string) error {
	rt, err := loadChecker(ctx, configPath)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	policy, err := rt.checker.Policy(asRoles(ctx, roles))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tACTIONS\tDESCRIPTION")
	for _, t := range policy.Tables() {
		actions := make([]string, len(t.Actions))
		for i, a := range t.Actions {
			actions[i] = string(a)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, strings.Join(actions, ","), t.Description)
	}
	return w.Flush()
}

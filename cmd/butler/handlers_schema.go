package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/haasonsaas/butler/internal/config"
	"github.com/haasonsaas/butler/internal/database"
)

func runSchema(ctx context.Context, out io.Writer, configPath, table string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Database.Enabled() {
		return errors.New("database.url is not configured")
	}
	db, err := database.Open(ctx, database.Config{
		Driver:          cfg.Database.Driver,
		URL:             cfg.Database.URL,
		MaxOpenConns:    1,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Debug("inspecting schema", "driver", db.Dialect(), "table", table)

	return printSchema(ctx, out, db.Inspector(), table, asJSON)
}

func printSchema(ctx context.Context, out io.Writer, inspector database.Inspector, table string, asJSON bool) error {
	if table == "" {
		tables, err := inspector.Tables(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, tables)
		}
		for _, t := range tables {
			fmt.Fprintln(out, t)
		}
		return nil
	}

	columns, err := inspector.Columns(ctx, table)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, columns)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tTYPE\tNULL\tKEY\tDEFAULT")
	for _, c := range columns {
		def := ""
		if c.Default != nil {
			def = *c.Default
		}
		null := "NO"
		if c.Nullable {
			null = "YES"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.Type, null, c.Key, def)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

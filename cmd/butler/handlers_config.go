package main

import (
	"fmt"
	"io"

	"github.com/haasonsaas/butler/internal/config"
)

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: ok (version %d, provider %s, %d roles)\n", configPath, cfg.Version, cfg.LLM.Provider, len(cfg.Policy.Roles))
	return nil
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/dtqueue/internal/config"
)

func newConfigCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(newConfigValidateCmd(stdout, stderr), newConfigDiffCmd(stdout))
	return cmd
}

func newConfigValidateCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		configPath    string
		format        string
		strictSecrets bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "text" {
				return fmt.Errorf("invalid --format %q (use: json|text)", format)
			}
			res := validateConfigFile(configPath, strictSecrets)
			return writeValidation(stdout, stderr, format, res)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "./config.toml", "path to config file")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json|text")
	cmd.Flags().BoolVar(&strictSecrets, "strict-secrets", false, "load and verify all configured secret refs during validation")
	return cmd
}

func validateConfigFile(path string, strictSecrets bool) config.ValidationResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.ValidationResult{Errors: []string{err.Error()}}
	}
	cfg, warnings, err := config.Parse(data)
	if err != nil {
		return config.ValidationResult{Errors: []string{err.Error()}}
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return config.ValidationResult{Errors: []string{err.Error()}, Warnings: warnings}
	}
	res := config.Validate(cfg, config.ValidationOptions{SecretPreflight: strictSecrets})
	res.Warnings = append(warnings, res.Warnings...)
	return res
}

func writeValidation(stdout, stderr io.Writer, format string, res config.ValidationResult) error {
	out := stdout
	if !res.OK {
		out = stderr
	}
	if format == "text" {
		fmt.Fprintln(out, config.FormatValidationText(res))
	} else {
		text, err := config.FormatValidationJSON(res)
		if err != nil {
			return failf("%v", err)
		}
		fmt.Fprintln(out, text)
	}
	if !res.OK {
		return &exitError{code: 1}
	}
	return nil
}

func newConfigDiffCmd(stdout io.Writer) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "diff <old> <new>",
		Short: "Show which settings differ and whether they need a restart",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, _, err := config.Load(args[0])
			if err != nil {
				return failf("%s: %v", args[0], err)
			}
			after, _, err := config.Load(args[1])
			if err != nil {
				return failf("%s: %v", args[1], err)
			}
			changes := config.Diff(before, after)
			if err := writeChanges(stdout, format, changes); err != nil {
				return failf("%v", err)
			}
			if len(changes) > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: json|text")
	return cmd
}

func writeChanges(w io.Writer, format string, changes []config.Change) error {
	if format == "json" {
		if changes == nil {
			changes = []config.Change{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(changes)
	}
	for _, c := range changes {
		suffix := ""
		if c.RestartRequired {
			suffix = " (restart required)"
		}
		fmt.Fprintf(w, "%s: %s -> %s%s\n", c.Field, c.Old, c.New, suffix)
	}
	return nil
}

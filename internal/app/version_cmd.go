package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type versionPayload struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	var longOutput, jsonOutput bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeVersion(stdout, longOutput, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&longOutput, "long", false, "include commit and build date")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print as JSON")
	return cmd
}

func writeVersion(w io.Writer, longOutput, jsonOutput bool) error {
	payload := versionPayload{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(commit),
		BuildDate: strings.TrimSpace(buildDate),
	}

	if jsonOutput {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			return failf("version: %v", err)
		}
		return nil
	}
	if longOutput {
		fmt.Fprintf(w, "%s (commit=%s, build_date=%s)\n", payload.Version, payload.Commit, payload.BuildDate)
		return nil
	}
	fmt.Fprintln(w, payload.Version)
	return nil
}

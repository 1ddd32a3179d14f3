package cli

import (
	"encoding/json"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"dimatch/internal/ports/external"
)

// Version is overridden at link time.
var Version = "v0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate dimatch configuration and check external tools",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			src := root.cfg.Source()
			if src == "" {
				src = "(defaults)"
			}
			printf(out, "Config file: %s\n", src)
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			printf(out, "%s\n", data)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid", "fingerprint", root.cfg.Fingerprint())
			printf(cmd.OutOrStdout(), "Configuration is valid\n")
			return nil
		},
	}

	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Check the external model tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(root.cfg.Tools) == 0 {
				printf(out, "No external tools configured\n")
				return nil
			}
			names := make([]string, 0, len(root.cfg.Tools))
			for name := range root.cfg.Tools {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				st := external.CheckTool(cmd.Context(), root.cfg.Tools[name])
				if !st.Available {
					printf(out, "%s: unavailable (%v)\n", name, st.Error)
					continue
				}
				printf(out, "%s: %s (%s)\n", name, st.Path, st.Version)
			}
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd, toolsCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printf(cmd.OutOrStdout(), "dimatch %s\nBuilt with Go %s\n", Version, runtime.Version())
		},
	}
}

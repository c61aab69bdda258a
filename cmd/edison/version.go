package main

import (
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.1.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
)

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print version information",
		GroupID: "maint",
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			commit := vcsRevision()
			if a.jsonOutput {
				out := map[string]string{"version": Version, "build": Build}
				if commit != "" {
					out["commit"] = commit
				}
				a.writeJSON(envelope{Status: "ok", Data: out})
				return nil
			}
			if commit != "" {
				a.printf("edison version %s (%s: %s)\n", Version, Build, commit)
			} else {
				a.printf("edison version %s (%s)\n", Version, Build)
			}
			return nil
		},
	}
}

// vcsRevision returns the short commit recorded by the Go toolchain.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return ""
}

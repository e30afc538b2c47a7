// Package cmd implements the mountkitd command line.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	mounts     []string
	verbose    bool
}

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mountkitd",
		Short: "mountkitd - one read-only namespace over many storage backends",
		Long: `mountkitd mounts local directories, declarative trees, GitHub repositories,
S3 buckets and SFTP servers under one virtual path namespace and serves it
over HTTP and WebDAV.

Mounts come from the configuration file or from repeated --mount flags:

  mountkitd serve --mount /src=github:golang/go@master --mount /srv=fs:/srv/files`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "configuration file (YAML, JSON or TOML)")
	pf.StringArrayVarP(&flags.mounts, "mount", "m", nil, "additional mount as prefix=protocol:settings (repeatable)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log to stderr in inspection commands")

	groupServer := "server"
	groupInspect := "inspect"
	rootCmd.AddGroup(&cobra.Group{ID: groupServer, Title: "Server"})
	rootCmd.AddGroup(&cobra.Group{ID: groupInspect, Title: "Namespace Inspection"})

	serveCmd := newServeCmd(flags)
	serveCmd.GroupID = groupServer
	rootCmd.AddCommand(serveCmd)

	for _, c := range []*cobra.Command{
		newLsCmd(flags),
		newStatCmd(flags),
		newCatCmd(flags),
		newWatchCmd(flags),
		newProtocolsCmd(),
	} {
		c.GroupID = groupInspect
		rootCmd.AddCommand(c)
	}

	return rootCmd
}

// cliLogger is quiet unless --verbose, and never writes to stdout.
func (f *globalFlags) cliLogger() *zap.Logger {
	if !f.verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

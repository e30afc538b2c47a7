package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/provider"
)

// withRuntime builds a registry for a one-shot command and closes it after fn.
func withRuntime(ctx context.Context, flags *globalFlags, fn func(rt *runtime) error) error {
	cfg, err := loadConfig(flags.configPath, flags.mounts)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, flags.cliLogger())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func argPath(args []string) string {
	if len(args) == 0 {
		return "/"
	}
	return mountkit.NormalizePath(args[0])
}

func newLsCmd(flags *globalFlags) *cobra.Command {
	var (
		pattern   string
		recursive bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List a directory of the namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), flags, func(rt *runtime) error {
				p := argPath(args)
				var nodes []mountkit.FileNode
				if pattern != "" || recursive {
					selector := mountkit.All()
					if pattern != "" {
						selector = mountkit.Glob(pattern)
					}
					found, err := mountkit.Find(cmd.Context(), rt.reg, p, selector, recursive)
					if err != nil {
						return err
					}
					nodes = found
				} else {
					listing := rt.reg.ListDirectory(cmd.Context(), p)
					if !listing.Exists {
						return fmt.Errorf("%s: %w", p, mountkit.ErrNotFound)
					}
					nodes = listing.Entries
				}
				if asJSON {
					return writeNodesJSON(cmd.OutOrStdout(), nodes)
				}
				return writeNodesTable(cmd.OutOrStdout(), nodes)
			})
		},
	}
	cmd.Flags().StringVarP(&pattern, "glob", "g", "", "only list files matching the glob")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "walk subdirectories (files only)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newStatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat PATH",
		Short: "Show the metadata of one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), flags, func(rt *runtime) error {
				node := rt.reg.Resolve(cmd.Context(), argPath(args))
				if !node.Exists {
					return fmt.Errorf("%s: %w", node.Path, mountkit.ErrNotFound)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "Path:\t%s\n", node.Path)
				fmt.Fprintf(w, "Type:\t%s\n", nodeType(node))
				fmt.Fprintf(w, "Size:\t%s\n", sizeString(node))
				fmt.Fprintf(w, "Modified:\t%s\n", timeString(node.LastModified))
				fmt.Fprintf(w, "ETag:\t%s\n", node.ETag)
				fmt.Fprintf(w, "Content-Type:\t%s\n", node.ContentType)
				fmt.Fprintf(w, "Source:\t%s\n", node.Source.Kind)
				if node.Source.Kind == mountkit.SourceRemote {
					fmt.Fprintf(w, "URL:\t%s\n", node.Source.URL)
				}
				return w.Flush()
			})
		},
	}
}

func newCatCmd(flags *globalFlags) *cobra.Command {
	var offset, length int64
	cmd := &cobra.Command{
		Use:   "cat PATH",
		Short: "Write the content of a file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), flags, func(rt *runtime) error {
				node := rt.reg.Resolve(cmd.Context(), argPath(args))
				end := int64(-1)
				if length > 0 {
					end = offset + length - 1
				}
				rc, err := mountkit.OpenRange(cmd.Context(), node, offset, end)
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to write")
	cmd.Flags().Int64Var(&length, "length", 0, "number of bytes to write (0 reads to the end)")
	return cmd
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch PATH",
		Short: "Print a line each time content below PATH changes",
		Long: `Watch a path until interrupted. Only providers that can observe changes
support this, such as fs: mounts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return withRuntime(ctx, flags, func(rt *runtime) error {
				p := argPath(args)
				return mountkit.OnChange(ctx,
					func() (mountkit.ChangeToken, error) { return rt.reg.Watch(ctx, p) },
					func() { fmt.Fprintf(cmd.OutOrStdout(), "%s changed %s\n", p, time.Now().Format(time.RFC3339)) },
				)
			})
		},
	}
}

func newProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "List the supported mount protocols",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(provider.Protocols(), "\n"))
		},
	}
}

type nodeJSON struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	IsDir        bool      `json:"is_dir"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified,omitzero"`
	ETag         string    `json:"etag,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	Source       string    `json:"source"`
}

func writeNodesJSON(w io.Writer, nodes []mountkit.FileNode) error {
	out := make([]nodeJSON, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeJSON{
			Name:         n.Name,
			Path:         n.Path,
			IsDir:        n.IsDirectory,
			Size:         n.Size,
			LastModified: n.LastModified,
			ETag:         n.ETag,
			ContentType:  n.ContentType,
			Source:       n.Source.Kind.String(),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeNodesTable(w io.Writer, nodes []mountkit.FileNode) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, n := range nodes {
		name := n.Path
		if n.IsDirectory {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", sizeString(n), timeString(n.LastModified), name)
	}
	return tw.Flush()
}

func nodeType(n mountkit.FileNode) string {
	if n.IsDirectory {
		return "directory"
	}
	return "file"
}

func sizeString(n mountkit.FileNode) string {
	if !n.SizeKnown() {
		return "-"
	}
	return fmt.Sprintf("%d", n.Size)
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

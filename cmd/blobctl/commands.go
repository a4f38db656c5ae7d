package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/damacus/iron-folders/internal/archive"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/damacus/iron-folders/internal/namespace"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/tree"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List folders and files directly under a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := a.namespace()
			if err != nil {
				return err
			}
			page, err := ns.ListChildren(cmd.Context(), optionalArg(args))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, f := range page.Folders {
				_, _ = fmt.Fprintf(w, "%s/\t-\t-\n", f.DisplayName)
			}
			for _, f := range page.Files {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.DisplayName, humanize.IBytes(uint64(f.Size)), humanize.Time(f.LastModified))
			}
			return w.Flush()
		},
	}
}

func newFindCmd(a *app) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "find <text>",
		Short: "Find files below a prefix whose path contains text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := a.namespace()
			if err != nil {
				return err
			}
			files, err := ns.ListAllDescendants(cmd.Context(), prefix, args[0])
			if err != nil {
				return err
			}
			for _, f := range files {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), f.Key)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "folder to search in")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [prefix]",
		Short: "Count files and bytes below a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := a.namespace()
			if err != nil {
				return err
			}
			stats, err := ns.Stats(cmd.Context(), optionalArg(args))
			if err != nil {
				return err
			}
			name := stats.Prefix
			if name == "" {
				name = a.container
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s files, %s\n", name, humanize.Comma(int64(stats.Files)), stats.FormattedSize)
			return nil
		},
	}
}

func newMkdirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <prefix>",
		Short: "Create an empty folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := a.namespace()
			if err != nil {
				return err
			}
			folder, err := ns.CreateFolder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), folder.Prefix)
			return nil
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file> [prefix]",
		Short: "Upload a local file into a folder",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			key := namespace.NormalizePrefix(optionalArg(args[1:])) + filepath.Base(args[0])
			if err := store.Put(cmd.Context(), key, f, info.Size(), services.PutOptions{}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", key, humanize.IBytes(uint64(info.Size())))
			return nil
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>...",
		Short: "Delete files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			for _, key := range args {
				if strings.HasSuffix(key, namespace.Delimiter) {
					return fmt.Errorf("%s is a folder, use rmdir", key)
				}
				if err := eng.DeleteOne(cmd.Context(), key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRmdirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir <prefix>",
		Short: "Delete a folder and everything below it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			res, err := eng.DeleteFolder(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("deleted %d objects before failing: %w", res.Deleted, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d objects\n", res.Deleted)
			return nil
		},
	}
}

func newRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <source> <destination>",
		Short: "Rename a file, or a folder when both paths end in /",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			src, dst := args[0], args[1]
			if !strings.HasSuffix(src, namespace.Delimiter) {
				return eng.RenameFile(cmd.Context(), src, dst)
			}
			res, err := eng.RenameOrMoveFolder(cmd.Context(), src, dst)
			if err != nil {
				return fmt.Errorf("copied %d objects before failing, rerun to finish: %w", res.Copied, err)
			}
			if res.SourceEmpty {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "nothing to move")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "moved %d objects\n", res.Deleted)
			return nil
		},
	}
}

// parseItems treats arguments ending in / as folders.
func parseItems(args []string) []models.TransferItem {
	items := make([]models.TransferItem, len(args))
	for i, p := range args {
		items[i] = models.TransferItem{Path: p, IsFolder: strings.HasSuffix(p, namespace.Delimiter)}
	}
	return items
}

func newTransferCmd(a *app, use string) *cobra.Command {
	mode, verb := models.ModeMove, "Move"
	if use == "cp" {
		mode, verb = models.ModeCopy, "Copy"
	}
	var onConflict string

	cmd := &cobra.Command{
		Use:   use + " <source>... <destination-folder>",
		Short: verb + " files and folders into a folder",
		Long: verb + ` files and folders into a folder. Sources ending in / are folders.

When a destination already exists you are asked to skip, overwrite, or
overwrite all remaining conflicts. Without a terminal conflicts are skipped
unless --on-conflict says otherwise.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}

			var resolver tree.Resolver
			if onConflict == "" || onConflict == "prompt" {
				resolver = &tree.PromptResolver{
					In:          cmd.InOrStdin(),
					Out:         cmd.ErrOrStderr(),
					Interactive: a.interactive != nil && a.interactive(),
				}
			} else {
				decision, ok := models.ParseConflictDecision(onConflict)
				if !ok {
					return fmt.Errorf("--on-conflict must be prompt, skip, overwrite or overwriteAll")
				}
				resolver = tree.StaticResolver{Decision: decision}
			}

			dst := args[len(args)-1]
			res, err := eng.Transfer(cmd.Context(), parseItems(args[:len(args)-1]), dst, mode, resolver)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, o := range res.Outcomes {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Status, o.Source, o.Destination, o.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if res.FirstFailure != nil {
				return fmt.Errorf("%s failed: %w", res.FirstFailure.Source, res.FirstFailure.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&onConflict, "on-conflict", "prompt", "prompt, skip, overwrite or overwriteAll")
	return cmd
}

func newZipCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "zip <prefix>",
		Short: "Download a folder as an uncompressed zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			ns := namespace.New(store)
			prefix := namespace.NormalizePrefix(args[0])

			files, err := ns.ListAllDescendants(cmd.Context(), prefix, "")
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files under %q", prefix)
			}
			keys := make([]string, len(files))
			for i, f := range files {
				keys[i] = f.Key
			}
			entries, err := archive.Collect(cmd.Context(), store, keys, prefix, a.archiveOpts)
			if err != nil {
				return err
			}
			data, err := archive.Build(entries)
			if err != nil {
				return err
			}

			if output == "" {
				output = namespace.BaseName(prefix) + ".zip"
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d files, %s\n", output, len(entries), humanize.IBytes(uint64(len(data))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default <folder>.zip)")
	return cmd
}

func newShareCmd(a *app) *cobra.Command {
	var (
		containerLevel bool
		permissions    string
		expires        time.Duration
		ip             string
	)
	cmd := &cobra.Command{
		Use:   "share <path>",
		Short: "Mint a time-limited link to a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.container == "" {
				return fmt.Errorf("no container: pass --container or set backend.container")
			}
			sharer, err := a.factory.NewSharer(a.cred, a.container)
			if err != nil {
				return err
			}
			link, err := sharer.Share(cmd.Context(), models.ShareRequest{
				Path:           strings.TrimPrefix(args[0], "/"),
				ContainerLevel: containerLevel,
				Permissions:    permissions,
				Expiry:         time.Now().Add(expires),
				IP:             ip,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), link.URL)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "permissions %s, expires %s\n", link.Permissions, humanize.Time(link.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().BoolVar(&containerLevel, "container-level", false, "sign for the whole container instead of one file")
	cmd.Flags().StringVar(&permissions, "permissions", "r", "permission letters, e.g. r or rl")
	cmd.Flags().DurationVar(&expires, "expires", time.Hour, "link lifetime")
	cmd.Flags().StringVar(&ip, "ip", "", "restrict the link to an address or range")
	return cmd
}

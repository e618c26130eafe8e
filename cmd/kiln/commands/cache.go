package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the persistent cache areas",
	}
	cmd.AddCommand(c.newCacheListCmd())
	cmd.AddCommand(c.newCachePruneCmd())
	return cmd
}

func (c *CLI) newCacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List the stored cache areas",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := c.app.CacheList(cmd.Context(), c.file)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED")
			for _, e := range entries {
				modified := "-"
				if !e.Modified.IsZero() {
					modified = humanize.Time(e.Modified)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key, humanize.Bytes(uint64(max(e.Size, 0))), modified)
			}
			return w.Flush()
		},
	}
}

func (c *CLI) newCachePruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune [keys...]",
		Short: "Remove cache areas, or all of them when no key is given",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pruned, err := c.app.CachePrune(cmd.Context(), c.file, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pruned) == 0 {
				_, _ = fmt.Fprintln(out, "nothing to prune")
				return nil
			}
			for _, key := range pruned {
				_, _ = fmt.Fprintf(out, "pruned %s\n", key)
			}
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded outcome of every stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := c.app.Status(c.file)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(w, "STAGE\tKIND\tINPUT\tOUTPUT\tWHEN")
			for _, s := range infos {
				if s.Info == nil {
					_, _ = fmt.Fprintf(w, "%s\t%s\t-\t-\tnever\n", s.Stage, s.Kind)
					continue
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.Stage, s.Kind, short(s.Info.InputHash), short(s.Info.OutputHash), humanize.Time(s.Info.Timestamp))
			}
			return w.Flush()
		},
	}
}

// short abbreviates a hash or digest for display.
func short(h string) string {
	const n = 19
	if len(h) <= n {
		return h
	}
	return h[:n]
}

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (c *CLI) newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Validate the pipeline and print its stages in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, err := c.app.Plan(c.file)
			if err != nil {
				return err
			}

			w := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(w, "#\tSTAGE\tKIND\tAFTER")
			for i, s := range steps {
				after := "-"
				if len(s.DependsOn) > 0 {
					after = strings.Join(s.DependsOn, ", ")
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, s.Name, s.Kind, after)
			}
			return w.Flush()
		},
	}
}

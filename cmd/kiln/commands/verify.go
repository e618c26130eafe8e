package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *CLI) newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <layout>",
		Short: "Check a published image layout against the pipeline's release properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := c.app.Verify(cmd.Context(), c.file, args[0])
			if report != nil {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "image %s (%d files)\n", report.Image.Ref, len(report.Image.Files))
				for _, check := range report.Checks {
					status := "ok"
					if !check.Passed {
						status = "FAIL"
					}
					_, _ = fmt.Fprintf(out, "  %-4s %s\n", status, check.Name)
					for _, p := range check.Problems {
						_, _ = fmt.Fprintf(out, "       %s\n", p)
					}
				}
			}
			return err
		},
	}
}

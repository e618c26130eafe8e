package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.trai.ch/kiln/internal/app"
)

func (c *CLI) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline and publish the runtime image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			panicPolicy, _ := cmd.Flags().GetString("panic-policy")
			versionTag, _ := cmd.Flags().GetString("version-tag")
			output, _ := cmd.Flags().GetString("output")
			parallelism, _ := cmd.Flags().GetInt("parallelism")

			res, err := c.app.Run(cmd.Context(), app.RunOptions{
				File:        c.file,
				PanicPolicy: panicPolicy,
				VersionTag:  versionTag,
				Output:      output,
				Parallelism: parallelism,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Artifact != nil {
				_, _ = fmt.Fprintf(out, "artifact %s %s\n", res.Artifact.Name, res.Artifact.Digest)
			}
			if res.Image != nil {
				_, _ = fmt.Fprintf(out, "image    %s %s\n", res.Image.Ref, res.Image.ManifestDigest)
				_, _ = fmt.Fprintf(out, "layout   %s\n", res.Image.Dir)
			}
			return nil
		},
	}
	cmd.Flags().String("panic-policy", "", "Panic strategy of the release build: abort or unwind (overrides PANIC_POLICY)")
	cmd.Flags().String("version-tag", "", "Version recorded in the image (overrides VERSION_TAG)")
	cmd.Flags().StringP("output", "o", "", "Directory the image layout is published to")
	cmd.Flags().IntP("parallelism", "j", 0, "Maximum number of stages run at once (default: number of CPUs)")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tensoralign/internal/artifact"
	"github.com/banshee-data/tensoralign/internal/dataset"
)

func newLinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lines FRAMES",
		Short: "Remove line artifacts from an image stack",
		Long: `Lines finds frames whose mean brightness peaks above the local maximum
threshold and, around each one, replaces bright pixel rows with the last
known-good row. Detection runs on a proxy copy of the stack in which the
configured proxy_masks rectangles are blanked out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			frames, err := dataset.LoadFrames(args[0])
			if err != nil {
				return err
			}
			proxy, err := artifact.NewProxy(frames, cfg.Masks())
			if err != nil {
				return err
			}
			summary, err := artifact.RemoveLines(frames, proxy, cfg.LineRemovalParams())
			if err != nil {
				return err
			}

			if out, _ := cmd.Flags().GetString("out"); out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}
				if err := dataset.WriteFrames(f, frames); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d candidate frames, %d windows corrected, %d rows replaced\n",
				len(summary.Candidates), summary.WindowsCorrected, summary.RowsReplaced)
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "Write the corrected stack as JSON to this path")
	return cmd
}

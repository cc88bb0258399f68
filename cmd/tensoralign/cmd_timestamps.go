package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tensoralign/internal/framemeta"
)

type frameTime struct {
	Frame int    `json:"frame"`
	Time  string `json:"time,omitempty"`
	Error string `json:"error,omitempty"`
}

type timestampsOutput struct {
	Frames []frameTime `json:"frames"`
	Rate   float64     `json:"rate,omitempty"`
	Failed int         `json:"failed"`
}

func newTimestampsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timestamps FILE",
		Short: "Parse per-frame acquisition times from image descriptions",
		Long: `Timestamps reads a JSON array of image description strings, one per
frame, and prints each frame's absolute acquisition time together with the
frame rate fitted to them. A frame that fails to parse is reported and does
not stop the others.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read descriptions: %w", err)
			}
			var descs []string
			if err := json.Unmarshal(data, &descs); err != nil {
				return fmt.Errorf("failed to parse descriptions JSON: %w", err)
			}

			times, errs := framemeta.ParseStack(descs)
			out := timestampsOutput{Frames: make([]frameTime, len(descs))}
			for i := range descs {
				out.Frames[i].Frame = i
				if errs[i] != nil {
					out.Frames[i].Error = errs[i].Error()
					out.Failed++
					continue
				}
				out.Frames[i].Time = times[i].Format(framemeta.EpochLayout)
			}
			if rate, err := framemeta.EstimateRate(times); err == nil {
				out.Rate = rate
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}
			w := cmd.OutOrStdout()
			for _, f := range out.Frames {
				if f.Error != "" {
					fmt.Fprintf(w, "%6d  error: %s\n", f.Frame, f.Error)
					continue
				}
				fmt.Fprintf(w, "%6d  %s\n", f.Frame, f.Time)
			}
			if out.Rate > 0 {
				fmt.Fprintf(w, "rate: %.4f fps (period %s)\n", out.Rate, time.Duration(float64(time.Second)/out.Rate).Round(time.Microsecond))
			}
			if out.Failed > 0 {
				fmt.Fprintf(w, "%d of %d frames failed\n", out.Failed, len(descs))
			}
			return nil
		},
	}
}

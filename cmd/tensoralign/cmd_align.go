package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/align"
	"github.com/banshee-data/tensoralign/internal/config"
	"github.com/banshee-data/tensoralign/internal/dataset"
	"github.com/banshee-data/tensoralign/internal/report"
	"github.com/banshee-data/tensoralign/internal/resample"
	"github.com/banshee-data/tensoralign/internal/store"
	"github.com/banshee-data/tensoralign/internal/tensor"
)

func newAlignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "align DATASET",
		Short: "Align the trials of a dataset into a tensor",
		Long: `Align reads a JSON dataset of trials, maps each trial's behavioral events
onto its imaging frames, resamples every interval with the configured
policies and stacks the result.

Policies may be given in the config file or with repeated --policy flags,
one per interval, e.g. --policy "truncate(min)" --policy "interpolate(mean)".`,
		Args: cobra.ExactArgs(1),
		RunE: runAlign,
	}
	cmd.Flags().StringArray("policy", nil, "Interval policy, repeat once per interval")
	cmd.Flags().Bool("exclude", false, "Drop failing trials instead of aborting")
	cmd.Flags().String("normalize", "", "Scaling applied to the tensor: zscore, minmax or none")
	cmd.Flags().StringP("out", "o", "", "Write the tensor as JSON to this path")
	cmd.Flags().String("heatmap", "", "Render the centered trial average to this image (.png, .svg, .pdf)")
	cmd.Flags().String("traces", "", "Render per-neuron traces to this HTML file")
	cmd.Flags().Bool("no-store", false, "Do not record the run in the database")
	return cmd
}

// alignSummary is what align prints.
type alignSummary struct {
	RunID          string   `json:"run_id,omitempty"`
	Dataset        string   `json:"dataset"`
	Shape          []int    `json:"shape"`
	Policies       []string `json:"policies"`
	IntervalFrames []int    `json:"interval_frames"`
	EventFrames    []int    `json:"events_time"`
	Excluded       []string `json:"excluded,omitempty"`
}

func applyFlags(cmd *cobra.Command, cfg *config.PipelineConfig) error {
	if policies, _ := cmd.Flags().GetStringArray("policy"); len(policies) > 0 {
		cfg.Policies = policies
	}
	if exclude, _ := cmd.Flags().GetBool("exclude"); exclude {
		v := "exclude"
		cfg.OnTrialError = &v
	}
	if n, _ := cmd.Flags().GetString("normalize"); n != "" {
		cfg.Normalize = &n
	}
	return cfg.Validate()
}

// scale applies the configured normalisation along axis.
func scale(t *tensor.Array, mode string, axis int) (*tensor.Array, error) {
	switch mode {
	case "zscore":
		return tensor.Normalize(t, axis)
	case "minmax":
		return tensor.MinMax(t, axis)
	case "none":
		return t, nil
	}
	return nil, fmt.Errorf("unknown normalize mode %q", mode)
}

// heatmapMatrix averages over trials, centers each neuron and z-scores it
// along time, giving a neuron x time matrix.
func heatmapMatrix(t *tensor.Array) (*mat.Dense, error) {
	avg, err := tensor.CenteredTrialAverage(t, 0, 1)
	if err != nil {
		return nil, err
	}
	z, err := tensor.Normalize(avg, 1)
	if err != nil {
		return nil, err
	}
	shape := z.Shape()
	return mat.NewDense(shape[0], shape[1], z.Data()), nil
}

func runAlign(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	alignCfg, err := cfg.AlignConfig()
	if err != nil {
		return err
	}

	ds, err := dataset.Load(args[0])
	if err != nil {
		return err
	}
	trials, kept, err := ds.Build(dataset.Options{
		BehaviorRate: cfg.GetBehaviorRate(),
		ImagingRate:  cfg.GetImagingRate(),
		SNRThreshold: cfg.GetSNRThreshold(),
	})
	if err != nil {
		return err
	}

	res, err := align.Align(cmd.Context(), alignCfg, trials)
	if err != nil {
		return err
	}
	scaled, err := scale(res.Tensor, cfg.GetNormalize(), cfg.GetNormalizeAxis())
	if err != nil {
		return err
	}

	name := ds.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}
	summary := alignSummary{
		Dataset:        name,
		Shape:          scaled.Shape(),
		Policies:       policyStrings(res.Policies),
		IntervalFrames: res.IntervalFrames,
		EventFrames:    res.EventFrames,
	}
	for _, e := range res.Excluded {
		summary.Excluded = append(summary.Excluded, e.Error())
	}

	if out, _ := cmd.Flags().GetString("out"); out != "" {
		if err := dataset.SaveTensor(out, dataset.NewTensorFile(res, scaled, kept)); err != nil {
			return err
		}
	}
	if path, _ := cmd.Flags().GetString("heatmap"); path != "" {
		m, err := heatmapMatrix(res.Tensor)
		if err != nil {
			return err
		}
		opts := report.HeatmapOptions{Title: name, Bound: cfg.GetHeatmapBound(), Events: res.EventFrames}
		if err := report.WriteHeatmap(path, m, opts); err != nil {
			return err
		}
	}
	if path, _ := cmd.Flags().GetString("traces"); path != "" {
		if err := writeTraces(path, report.Traces{Title: name, Trials: res.Trials, Tensor: scaled, EventFrames: res.EventFrames}); err != nil {
			return err
		}
	}
	if noStore, _ := cmd.Flags().GetBool("no-store"); !noStore {
		db, err := store.NewDB(databasePath(cmd, cfg))
		if err != nil {
			return err
		}
		defer db.Close()
		run, err := db.SaveRun(cmd.Context(), name, res, scaled)
		if err != nil {
			return err
		}
		summary.RunID = run.ID
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(summary)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Aligned %s: tensor %v\n", summary.Dataset, summary.Shape)
	for k, p := range summary.Policies {
		fmt.Fprintf(w, "  interval %d: %s -> %d frames\n", k, p, summary.IntervalFrames[k])
	}
	for _, e := range summary.Excluded {
		fmt.Fprintf(w, "  excluded: %s\n", e)
	}
	if summary.RunID != "" {
		fmt.Fprintf(w, "Run %s\n", summary.RunID)
	}
	return nil
}

func writeTraces(path string, tr report.Traces) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create traces file: %w", err)
	}
	if err := report.WriteTraces(f, tr, nil); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// policyStrings formats resolved policies for display.
func policyStrings(ps []resample.Policy) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

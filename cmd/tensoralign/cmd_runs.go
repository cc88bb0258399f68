package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tensoralign/internal/dataset"
	"github.com/banshee-data/tensoralign/internal/store"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List, inspect, export and delete recorded runs",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd(), newRunsExportCmd(), newRunsDeleteCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (*store.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return store.NewDB(databasePath(cmd, cfg))
}

func newRunsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := db.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				if runs == nil {
					runs = []*store.Run{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s  %-20s  %-25s  %-12s  %s\n", "RUN", "DATASET", "CREATED", "SHAPE", "EXCLUDED")
			for _, r := range runs {
				shape := fmt.Sprintf("%dx%dx%d", r.Trials, r.Neurons, r.Frames)
				fmt.Fprintf(w, "%-36s  %-20s  %-25s  %-12s  %d\n",
					r.ID, r.Dataset, r.CreatedAt.Format(time.RFC3339), shape, r.Excluded)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum runs to list (0 for all)")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run with its interval policies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			run, err := db.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(run)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Run:     %s\n", run.ID)
			fmt.Fprintf(w, "Dataset: %s\n", run.Dataset)
			fmt.Fprintf(w, "Created: %s\n", run.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Shape:   %d trials x %d neurons x %d frames\n", run.Trials, run.Neurons, run.Frames)
			for _, iv := range run.Intervals {
				fmt.Fprintf(w, "  interval %d: %s -> %d frames\n", iv.Position, iv.Policy, iv.Frames)
			}
			for _, e := range run.ExcludedTrials {
				fmt.Fprintf(w, "  excluded trial %d (%s): %s\n", e.Index, e.Trial, e.Error)
			}
			return nil
		},
	}
}

func newRunsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export RUN_ID",
		Short: "Write a stored tensor as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			run, err := db.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			arr, err := db.LoadTensor(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			tf := &dataset.TensorFile{Shape: arr.Shape(), Data: arr.Data()}
			offset := 0
			for _, iv := range run.Intervals {
				tf.Policies = append(tf.Policies, iv.Policy)
				tf.IntervalFrames = append(tf.IntervalFrames, iv.Frames)
				if iv.Position > 0 {
					tf.EventFrames = append(tf.EventFrames, offset)
				}
				offset += iv.Frames
			}
			for _, e := range run.ExcludedTrials {
				tf.Excluded = append(tf.Excluded, e.Error)
			}

			if out, _ := cmd.Flags().GetString("out"); out != "" {
				return dataset.SaveTensor(out, tf)
			}
			return dataset.WriteTensor(cmd.OutOrStdout(), tf)
		},
	}
	cmd.Flags().StringP("out", "o", "", "Write to this path instead of stdout")
	return cmd
}

func newRunsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		},
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"diffusion_backend/sdruntime"
)

func newScheduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the DDIM schedule coefficients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSchedule(cmd)
		},
	}
	cmd.Flags().Int("ddim-steps", 0, "sampling steps (default SD_NUM_STEPS)")
	cmd.Flags().Float64("eta", 0, "DDIM eta (default SD_ETA)")
	cmd.Flags().Bool("json", false, "print the schedule as JSON")
	return cmd
}

func (a *app) runSchedule(cmd *cobra.Command) error {
	sc := a.cfg.SD.Schedule
	f := cmd.Flags()
	if f.Changed("ddim-steps") {
		sc.NumSteps, _ = f.GetInt("ddim-steps")
	}
	if f.Changed("eta") {
		sc.Eta, _ = f.GetFloat64("eta")
	}
	sched, err := sdruntime.BuildSchedule(sc)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := f.GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sched)
	}

	fmt.Fprintf(out, "%d steps of %d, %s, eta %g\n\n",
		sched.NumSteps(), sc.NumTrainingSteps, sc.Discretization, sc.Eta)
	rows := make([][]string, 0, sched.NumSteps())
	for i := sched.NumSteps() - 1; i >= 0; i-- {
		rows = append(rows, []string{
			strconv.Itoa(i),
			strconv.Itoa(sched.TimeSteps[i]),
			formatCoef(sched.Alpha[i]),
			formatCoef(sched.AlphaPrev[i]),
			formatCoef(sched.Sigma[i]),
		})
	}
	renderTable(out, []string{"INDEX", "TIMESTEP", "ALPHA", "ALPHA PREV", "SIGMA"}, rows)
	return nil
}

func formatCoef(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

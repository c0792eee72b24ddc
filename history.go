package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"diffusion_backend/db"
	"diffusion_backend/sdruntime"
)

const promptColumnWidth = 40

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List recorded runs, or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runHistory(cmd, args)
		},
	}
	f := cmd.Flags()
	f.Int("limit", db.DefaultRecentLimit, "maximum number of runs")
	f.String("status", "", "only runs with this status (succeeded or failed)")
	f.String("mode", "", "only runs in this mode")
	f.Bool("prune", false, "delete runs older than SD_HISTORY_RETENTION_DAYS first")
	return cmd
}

func (a *app) runHistory(cmd *cobra.Command, args []string) error {
	database, err := db.Open(a.cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	repo := db.NewRepository(database)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	f := cmd.Flags()

	if prune, _ := f.GetBool("prune"); prune && a.cfg.RetentionDays > 0 {
		res, err := database.Cleanup(ctx, a.cfg.RetentionDays)
		if err != nil {
			return err
		}
		color.New(color.FgYellow).Fprintf(out, "Pruned %d runs older than %s\n\n",
			res.RunsDeleted, res.Cutoff.Format(time.DateOnly))
	}

	if len(args) == 1 {
		run, err := repo.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		printRun(out, run)
		return nil
	}

	filter := db.RunFilter{}
	filter.Limit, _ = f.GetInt("limit")
	filter.Status, _ = f.GetString("status")
	if s, _ := f.GetString("mode"); s != "" {
		mode, err := sdruntime.ParseMode(s)
		if err != nil {
			return err
		}
		filter.Mode = mode
	}
	runs, err := repo.RecentRuns(ctx, filter)
	if err != nil {
		return err
	}
	total, err := repo.CountRuns(ctx, "")
	if err != nil {
		return err
	}
	failed, err := repo.CountRuns(ctx, sdruntime.RunStatusFailed)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.CreatedAt.Local().Format(time.DateTime),
			string(r.Mode),
			r.Status,
			fmt.Sprintf("%dx%d", r.Width, r.Height),
			strconv.Itoa(r.Steps),
			strconv.FormatInt(r.Seed, 10),
			r.Duration.Round(time.Millisecond).String(),
			truncate(r.Prompt, promptColumnWidth),
		})
	}
	renderTable(out, []string{"ID", "CREATED", "MODE", "STATUS", "SIZE", "STEPS", "SEED", "DURATION", "PROMPT"}, rows)
	fmt.Fprintln(out)
	color.New(color.FgHiBlack).Fprintf(out, "%d of %d runs shown, %d failed (%s)\n",
		len(runs), total, failed, a.cfg.DBPath)
	return nil
}

func printRun(w io.Writer, r sdruntime.RunRecord) {
	label := color.New(color.FgCyan)
	field := func(name, value string) {
		label.Fprintf(w, "%-16s", name)
		fmt.Fprintln(w, value)
	}
	field("ID", r.ID)
	field("Created", r.CreatedAt.Local().Format(time.DateTime))
	field("Mode", string(r.Mode))
	field("Backend", r.Backend)
	if r.Status == sdruntime.RunStatusFailed {
		field("Status", color.RedString(r.Status))
		field("Error", r.Error)
	} else {
		field("Status", color.GreenString(r.Status))
	}
	field("Prompt", r.Prompt)
	if r.NegativePrompt != "" {
		field("Negative", r.NegativePrompt)
	}
	field("Size", fmt.Sprintf("%dx%d x%d", r.Width, r.Height, r.BatchSize))
	field("Steps", strconv.Itoa(r.Steps))
	field("Guidance", strconv.FormatFloat(r.GuidanceScale, 'g', -1, 64))
	field("Eta", strconv.FormatFloat(r.Eta, 'g', -1, 64))
	if r.Mode != sdruntime.ModeTextToImage {
		field("Strength", strconv.FormatFloat(r.Strength, 'g', -1, 64))
	}
	field("Seed", strconv.FormatInt(r.Seed, 10))
	field("Duration", r.Duration.Round(time.Millisecond).String())
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

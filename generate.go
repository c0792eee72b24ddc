package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diffusion_backend/sdruntime"
)

func newGenerateCmd(a *app, mode sdruntime.Mode) *cobra.Command {
	cmd := &cobra.Command{
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGenerate(cmd, mode, strings.Join(args, " "))
		},
	}
	switch mode {
	case sdruntime.ModeTextToImage:
		cmd.Use = "txt2img PROMPT"
		cmd.Short = "Generate images from a prompt"
	case sdruntime.ModeImageToImage:
		cmd.Use = "img2img --image FILE PROMPT"
		cmd.Short = "Re-noise an image and denoise it toward a prompt"
	case sdruntime.ModeInpaint:
		cmd.Use = "inpaint --image FILE PROMPT"
		cmd.Short = "Regenerate the part of an image outside the mask"
	}

	f := cmd.Flags()
	f.String("negative", "", "negative prompt (default SD_NEGATIVE_PROMPT)")
	f.Int("ddim-steps", 0, "sampling steps (default SD_NUM_STEPS)")
	f.Float64("cfg-scale", 0, "classifier-free guidance scale (default SD_GUIDANCE_SCALE)")
	f.Float64("eta", 0, "DDIM eta, 0 is deterministic (default SD_ETA)")
	f.Int64("seed", -1, "noise seed, -1 for random")
	f.Int("batch", 1, "images per run")
	f.Float64("temperature", 1, "scale of the per-step noise")
	f.Bool("repeat-noise", false, "share one noise sample across the batch")
	f.Bool("steps", false, "also write the decoded image after every sampling step")
	f.StringP("output", "o", "", "output directory (default SD_OUTPUT_DIR)")
	if mode == sdruntime.ModeTextToImage {
		f.Int("width", 0, "image width (default SD_IMAGE_SIZE)")
		f.Int("height", 0, "image height (default SD_IMAGE_SIZE)")
	} else {
		f.String("image", "", "input image file")
		f.Float64("strength", 0, "fraction of the schedule to re-noise (default SD_STRENGTH)")
		cmd.MarkFlagRequired("image")
	}
	if mode == sdruntime.ModeInpaint {
		f.String("mask", "", "region to keep as top,left,bottom,right fractions (default bottom half)")
	}
	return cmd
}

// generateParams overlays the flags that were set on defaults.
func generateParams(cmd *cobra.Command, mode sdruntime.Mode, prompt string, defaults sdruntime.GenerateParams) (sdruntime.GenerateParams, error) {
	p := defaults
	p.Mode = mode
	p.Prompt = prompt
	f := cmd.Flags()

	if f.Changed("negative") {
		p.NegativePrompt, _ = f.GetString("negative")
	}
	if f.Changed("width") {
		p.Width, _ = f.GetInt("width")
	}
	if f.Changed("height") {
		p.Height, _ = f.GetInt("height")
	}
	if f.Changed("ddim-steps") {
		p.Steps, _ = f.GetInt("ddim-steps")
	}
	if f.Changed("cfg-scale") {
		p.CFGScale, _ = f.GetFloat64("cfg-scale")
	}
	if f.Changed("eta") {
		p.Eta, _ = f.GetFloat64("eta")
	}
	if f.Changed("strength") {
		p.Strength, _ = f.GetFloat64("strength")
	}
	p.Seed, _ = f.GetInt64("seed")
	p.BatchSize, _ = f.GetInt("batch")
	p.Temperature, _ = f.GetFloat64("temperature")
	p.RepeatNoise, _ = f.GetBool("repeat-noise")

	if mode == sdruntime.ModeTextToImage {
		p.Strength = 0
		return p, nil
	}
	path, _ := f.GetString("image")
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("%w: %v", sdruntime.ErrInvalidImage, err)
	}
	p.Image = data
	if mode == sdruntime.ModeInpaint && f.Changed("mask") {
		s, _ := f.GetString("mask")
		box, err := parseMaskBox(s)
		if err != nil {
			return p, err
		}
		p.Mask = &box
	}
	return p, nil
}

// parseMaskBox parses "top,left,bottom,right".
func parseMaskBox(s string) (sdruntime.MaskBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return sdruntime.MaskBox{}, fmt.Errorf("%w: mask %q must be top,left,bottom,right", sdruntime.ErrInvalidParams, s)
	}
	var v [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return sdruntime.MaskBox{}, fmt.Errorf("%w: mask %q: %v", sdruntime.ErrInvalidParams, s, err)
		}
		v[i] = f
	}
	box := sdruntime.MaskBox{Top: v[0], Left: v[1], Bottom: v[2], Right: v[3]}
	return box, box.Validate()
}

func (a *app) runGenerate(cmd *cobra.Command, mode sdruntime.Mode, prompt string) error {
	gen, err := a.newGenerator()
	if err != nil {
		return err
	}
	defer gen.Close()

	database, repo := a.openHistory(cmd)
	if database != nil {
		defer database.Close()
		gen.SetRecorder(repo)
	}

	params, err := generateParams(cmd, mode, prompt, gen.DefaultParams())
	if err != nil {
		return err
	}
	withSteps, _ := cmd.Flags().GetBool("steps")
	outDir, _ := cmd.Flags().GetString("output")
	if outDir == "" {
		if outDir, err = a.cfg.EnsureOutputDir(); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	color.New(color.FgCyan, color.Bold).Fprintf(out, "%s", mode)
	fmt.Fprintf(out, " %q (%d steps, backend %s)\n", params.Prompt, params.Steps, a.cfg.SD.Backend)

	var result *sdruntime.GenerateResult
	if withSteps {
		result, err = gen.GenerateSteps(cmd.Context(), params)
	} else {
		result, err = gen.Generate(cmd.Context(), params)
	}
	if err != nil {
		return err
	}

	files := outputFiles(outDir, result)
	written, err := writeImages(cmd.Context(), files)
	if err != nil {
		return err
	}
	for _, w := range written {
		color.New(color.FgGreen).Fprint(out, "  ✓ ")
		fmt.Fprintf(out, "%s ", w.Path)
		color.New(color.FgHiBlack).Fprintf(out, "(%s)\n", w.Size)
	}
	fmt.Fprintf(out, "%dx%d, seed %d, %s, run %s\n",
		result.Width, result.Height, result.Seed, result.Duration.Round(time.Millisecond), result.RunID)
	a.logger.Info("images written",
		zap.String("run_id", result.RunID),
		zap.String("dir", outDir),
		zap.Int("files", len(written)))
	return nil
}

// Command diffusion_backend runs DDIM image generation from the command
// line or as an HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"diffusion_backend/core"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(stderr, err)
		return core.ExitCodeForError(err)
	}
	return a.exitCode
}

// printError writes err, with the suggested action for configuration errors.
func printError(w io.Writer, err error) {
	color.New(color.FgRed, color.Bold).Fprint(w, "Error: ")
	cfgErr, ok := core.IsConfigError(err)
	if !ok || cfgErr.Action == "" {
		fmt.Fprintln(w, err)
		return
	}
	fmt.Fprintln(w, cfgErr.Message)
	color.New(color.FgYellow).Fprintf(w, "  → %s\n", cfgErr.Action)
}

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"diffusion_backend/core"
)

func findCmd(t *testing.T, a *app, args ...string) *cobra.Command {
	t.Helper()
	cmd, _, err := newRootCmd(a).Find(args)
	if err != nil {
		t.Fatalf("Find(%v) error = %v", args, err)
	}
	return cmd
}

func TestServiceConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		flags []string
		want  []string
	}{
		{"no flags", nil, []string{"serve", "--service"}},
		{
			"forwarded flags",
			[]string{"--config", "sd.yaml", "--backend", "reference", "--no-history", "--addr", "127.0.0.1:9000"},
			[]string{
				"serve", "--service",
				"--config=" + filepath.Join(wd, "sd.yaml"),
				"--backend=reference",
				"--no-history=true",
				"--addr=127.0.0.1:9000",
			},
		},
		{
			"absolute db path",
			[]string{"--db", "data/runs.db", "--verbose"},
			[]string{"serve", "--service", "--db=" + filepath.Join(wd, "data", "runs.db"), "--verbose=true"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := findCmd(t, &app{}, "serve", "install")
			if err := cmd.ParseFlags(tt.flags); err != nil {
				t.Fatalf("ParseFlags() error = %v", err)
			}
			cfg, err := serviceConfig(cmd)
			if err != nil {
				t.Fatalf("serviceConfig() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, cfg.Arguments); diff != "" {
				t.Errorf("Arguments mismatch (-want +got):\n%s", diff)
			}
			if cfg.Name != serviceName || cfg.WorkingDirectory != wd {
				t.Errorf("Name = %q WorkingDirectory = %q", cfg.Name, cfg.WorkingDirectory)
			}
		})
	}
}

func TestServiceCommandsRegistered(t *testing.T) {
	for _, action := range []string{"install", "uninstall", "start", "stop", "restart", "status"} {
		cmd := findCmd(t, &app{}, "serve", action)
		if cmd.Name() != action {
			t.Errorf("serve %s resolved to %q", action, cmd.Name())
		}
	}
	if flag := findCmd(t, &app{}, "serve").Flags().Lookup("service"); flag == nil || !flag.Hidden {
		t.Error("serve should carry a hidden --service flag")
	}
}

func TestProgramStartStop(t *testing.T) {
	serveErr := errors.New("listener closed")
	tests := []struct {
		name    string
		serve   func(ctx context.Context) error
		wantErr error
	}{
		{"clean stop", func(ctx context.Context) error { <-ctx.Done(); return nil }, nil},
		{"serve error", func(ctx context.Context) error { <-ctx.Done(); return serveErr }, serveErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prg := &program{serve: tt.serve, stopTimeout: time.Second}
			if err := prg.Start(nil); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if err := prg.Stop(nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("Stop() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProgramStopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	prg := &program{
		serve:       func(context.Context) error { <-release; return nil },
		stopTimeout: 20 * time.Millisecond,
	}
	prg.Start(nil)
	if err := prg.Stop(nil); err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Stop() error = %v, want a timeout", err)
	}
}

func TestProgramStopBeforeStart(t *testing.T) {
	if err := (&program{}).Stop(nil); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestProgramRunsServe(t *testing.T) {
	newTestEnv(t)
	a := &app{}
	cmd := findCmd(t, a, "serve")
	if err := cmd.ParseFlags([]string{"--addr", "127.0.0.1:0", "--no-history"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if err := a.setup(cmd); err != nil {
		t.Fatalf("setup() error = %v", err)
	}
	var out bytes.Buffer
	cmd.SetOut(&out)

	prg := &program{
		serve:       func(ctx context.Context) error { return a.runServe(ctx, cmd) },
		stopTimeout: 10 * time.Second,
	}
	if err := prg.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := prg.Stop(nil); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if a.exitCode != core.ExitCodeSuccess {
		t.Errorf("exit code = %d", a.exitCode)
	}
	if !strings.Contains(out.String(), "Serving http://127.0.0.1:") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		status service.Status
		err    error
		want   string
	}{
		{service.StatusRunning, nil, "running"},
		{service.StatusStopped, nil, "stopped"},
		{service.StatusUnknown, nil, "in an unknown state"},
		{service.StatusUnknown, service.ErrNotInstalled, "not installed"},
	}
	for _, tt := range tests {
		if got := statusText(tt.status, tt.err); got != tt.want {
			t.Errorf("statusText(%v, %v) = %q, want %q", tt.status, tt.err, got, tt.want)
		}
	}
}

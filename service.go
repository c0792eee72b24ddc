package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "diffusion-backend"

// serviceStopMargin is added to the shutdown timeout to bound program.Stop.
const serviceStopMargin = 5 * time.Second

// forwardedFlags are copied from the install command line into the service
// definition. Path flags are made absolute.
var forwardedFlags = []struct {
	name string
	path bool
}{
	{"config", true},
	{"backend", false},
	{"db", true},
	{"no-history", false},
	{"verbose", false},
	{"addr", false},
}

// program runs the serve loop for the service manager.
type program struct {
	serve func(ctx context.Context) error
	// stopTimeout bounds the wait in Stop.
	stopTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start launches serve in the background and returns immediately.
func (p *program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.err = p.serve(ctx)
	}()
	return nil
}

// Stop cancels serve and waits for its shutdown to finish.
func (p *program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		return p.err
	case <-time.After(p.stopTimeout):
		return errors.New("timeout waiting for service to stop")
	}
}

// serviceConfig describes the installed service. It starts "serve" with the
// flags given on the current command line.
func serviceConfig(cmd *cobra.Command) (*service.Config, error) {
	args := []string{"serve", "--service"}
	for _, f := range forwardedFlags {
		flag := cmd.Flags().Lookup(f.name)
		if flag == nil || !flag.Changed {
			continue
		}
		value := flag.Value.String()
		if f.path {
			abs, err := filepath.Abs(value)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve --%s: %w", f.name, err)
			}
			value = abs
		}
		args = append(args, "--"+f.name+"="+value)
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return &service.Config{
		Name:             serviceName,
		DisplayName:      "Diffusion Backend",
		Description:      "DDIM image generation over HTTP",
		Arguments:        args,
		WorkingDirectory: wd,
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}, nil
}

func newService(cmd *cobra.Command, prg service.Interface) (service.Service, error) {
	cfg, err := serviceConfig(cmd)
	if err != nil {
		return nil, err
	}
	s, err := service.New(prg, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

// runService hands the serve loop to the service manager and blocks until it
// asks the service to stop.
func (a *app) runService(cmd *cobra.Command) error {
	prg := &program{
		serve:       func(ctx context.Context) error { return a.runServe(ctx, cmd) },
		stopTimeout: a.cfg.ShutdownTimeout + serviceStopMargin,
	}
	s, err := newService(cmd, prg)
	if err != nil {
		return err
	}
	a.logger.Info("running under service manager", zap.String("platform", service.Platform()))
	if err := s.Run(); err != nil {
		return fmt.Errorf("service run failed: %w", err)
	}
	return prg.err
}

var serviceActions = []struct {
	action string
	short  string
	done   string
}{
	{"install", "Install serve as a system service", "installed"},
	{"uninstall", "Remove the system service", "uninstalled"},
	{"start", "Start the system service", "started"},
	{"stop", "Stop the system service", "stopped"},
	{"restart", "Restart the system service", "restarted"},
}

func newServiceCmds(a *app) []*cobra.Command {
	var cmds []*cobra.Command
	for _, sa := range serviceActions {
		cmds = append(cmds, &cobra.Command{
			Use:   sa.action,
			Short: sa.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := newService(cmd, &program{})
				if err != nil {
					return err
				}
				if err := service.Control(s, sa.action); err != nil {
					return fmt.Errorf("failed to %s service: %w", sa.action, err)
				}
				a.logger.Info("service control", zap.String("action", sa.action))
				color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Service %s %s\n", serviceName, sa.done)
				return nil
			},
		})
	}

	cmds = append(cmds, &cobra.Command{
		Use:   "status",
		Short: "Show the system service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newService(cmd, &program{})
			if err != nil {
				return err
			}
			status, err := s.Status()
			if err != nil && !errors.Is(err, service.ErrNotInstalled) {
				return fmt.Errorf("failed to get service status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service %s is %s\n", serviceName, statusText(status, err))
			return nil
		},
	})
	return cmds
}

func statusText(status service.Status, err error) string {
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed"
	}
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "in an unknown state"
	}
}

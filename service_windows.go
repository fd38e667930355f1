//go:build windows

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kardianos/service"
)

// stopTimeout bounds how long the service manager waits for teardown.
const stopTimeout = 30 * time.Second

// Program adapts the console's run loop to the Windows service lifecycle.
type Program struct {
	run    func(ctx context.Context) error
	cancel context.CancelFunc
	exit   chan struct{}
	err    error
}

// Start is called by the service manager. It must not block.
func (p *Program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.exit = make(chan struct{})

	go func() {
		defer close(p.exit)
		if p.run == nil {
			<-ctx.Done()
			return
		}
		p.err = p.run(ctx)
	}()
	return nil
}

// Stop cancels the run loop and waits for the console to tear down.
func (p *Program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case <-p.exit:
		return p.err
	case <-time.After(stopTimeout):
		return fmt.Errorf("timeout waiting for service to stop")
	}
}

// ServiceConfig describes the Windows service.
func ServiceConfig() *service.Config {
	return &service.Config{
		Name:        "OpsConsole",
		DisplayName: "Appliance Operator Console",
		Description: "Monitors the AI appliance backend and serves its state to the local UI",
		Arguments:   []string{"run"},
		Option: service.KeyValue{
			"StartType": "automatic",
		},
	}
}

// RunAsService hands run to the service manager when the process was
// started by it. It returns false when running interactively.
func RunAsService(run func(ctx context.Context) error) (bool, error) {
	if service.Interactive() {
		return false, nil
	}

	s, err := service.New(&Program{run: run}, ServiceConfig())
	if err != nil {
		return false, fmt.Errorf("failed to create service: %w", err)
	}
	if err := s.Run(); err != nil {
		return true, fmt.Errorf("service run failed: %w", err)
	}
	return true, nil
}

// ControlSystemService installs, removes, starts, stops, restarts or
// reports the Windows service.
func ControlSystemService(action string, out io.Writer) error {
	s, err := service.New(&Program{}, ServiceConfig())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if action == "status" {
		status, err := s.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}
		switch status {
		case service.StatusRunning:
			fmt.Fprintln(out, "Service is running")
		case service.StatusStopped:
			fmt.Fprintln(out, "Service is stopped")
		default:
			fmt.Fprintln(out, "Service status unknown")
		}
		return nil
	}

	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	fmt.Fprintf(out, "Service %s succeeded\n", action)
	return nil
}

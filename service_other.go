//go:build !windows

package main

import (
	"context"
	"errors"
	"io"
)

// errNotWindows is returned by system-service on other platforms, where
// the console runs under systemd or a container runtime instead.
var errNotWindows = errors.New("system-service is only available on Windows; use systemd or your container runtime")

// RunAsService always reports an interactive run outside Windows.
func RunAsService(run func(ctx context.Context) error) (bool, error) {
	return false, nil
}

// ControlSystemService is not supported outside Windows.
func ControlSystemService(action string, out io.Writer) error {
	return errNotWindows
}

// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package executor is the one shell-out boundary the core depends on:
// OS reboot and OSTree-finalize commands run through it instead of
// calling os/exec directly, so installer variants stay testable.
package executor

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
)

var log = logger.Logger()

// Executor runs an external command and returns its stdout.
type Executor interface {
	Execute(args []string) ([]byte, error)
}

// New builds an Executor generic over the concrete command type createCmdFn
// produces.
func New[C any](createCmdFn func(name string, args ...string) *C, runFn func(*C) ([]byte, error)) Executor {
	return &executor[C]{create: createCmdFn, run: runFn}
}

type executor[C any] struct {
	create func(name string, args ...string) *C
	run    func(*C) ([]byte, error)
}

func (e *executor[C]) Execute(args []string) ([]byte, error) {
	cmd := e.create(args[0], args[1:]...)
	return e.run(cmd)
}

// NewDefault builds an Executor backed by os/exec.
func NewDefault() Executor {
	return New(exec.Command, RunAndCapture)
}

// RunAndCapture runs cmd and returns stdout, wrapping stderr into the
// error on non-zero exit.
func RunAndCapture(cmd *exec.Cmd) ([]byte, error) {
	var errbuf strings.Builder
	cmd.Stderr = &errbuf
	out, err := cmd.Output()
	log.Debugf("'%v' output - %v", cmd.String(), string(out))
	if err != nil {
		return nil, fmt.Errorf("running %q: %s; %w", cmd.String(), errbuf.String(), err)
	}
	return out, nil
}

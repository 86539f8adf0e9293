// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package ostree implements the installer.PackageManager capability
// over an OSTree-based root filesystem via rpm-ostree.
package ostree

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/containers/image/v5/docker/reference"
	ostreeclient "github.com/coreos/rpmostree-client-go/pkg/client"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/executor"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/installer"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

var log = logger.Logger()

// Manager drives an OSTree deployment rebase for each installed target
// and reboots to finalize it, reporting ResultNeedCompletion until the
// rebooted deployment matches the target that was staged.
type Manager struct {
	client       *ostreeclient.Client
	rebootExecer executor.Executor
}

// New builds an OSTree-backed PackageManager. rebootExecer runs
// "systemctl reboot"; it is the one shell-out boundary this variant needs.
func New(rebootExecer executor.Executor) *Manager {
	client := ostreeclient.NewClient("vehicle-update-agent")
	return &Manager{client: &client, rebootExecer: rebootExecer}
}

func (m *Manager) Install(ctx context.Context, target uptane.Target, content []byte) (installer.Result, error) {
	refStr, ok := ostreeImageRef(target)
	if !ok {
		return installer.ResultFailed, fmt.Errorf("ostree: target %s has no custom ostree image reference", target.Filename)
	}
	imageRef, err := reference.Parse(refStr)
	if err != nil {
		return installer.ResultFailed, fmt.Errorf("ostree: parsing image reference %q: %w", refStr, err)
	}
	if err := m.client.RebaseToContainerImageAllowUnsigned(imageRef); err != nil {
		return installer.ResultFailed, fmt.Errorf("ostree rebase: %w", err)
	}
	log.Infof("ostree: staged %s, rebooting to finalize", target.Filename)
	if _, err := m.rebootExecer.Execute([]string{"systemctl", "reboot"}); err != nil {
		return installer.ResultFailed, fmt.Errorf("ostree: requesting reboot: %w", err)
	}
	return installer.ResultNeedCompletion, nil
}

func (m *Manager) FinalizeInstall(ctx context.Context, target uptane.Target) (installer.Result, error) {
	status, err := m.client.QueryStatus()
	if err != nil {
		return installer.ResultFailed, fmt.Errorf("ostree: querying status: %w", err)
	}
	booted, err := status.GetBootedDeployment()
	if err != nil || booted == nil {
		return installer.ResultFailed, fmt.Errorf("ostree: no booted deployment: %w", err)
	}
	want, ok := ostreeImageRef(target)
	if ok && booted.ContainerImageReference != want {
		return installer.ResultNeedCompletion, nil
	}
	return installer.ResultInstalled, nil
}

// ostreeImageRef extracts the container image reference an OSTree
// target carries in its custom_format JSON, keyed "ostreeImageRef" by
// convention with the Director's Targets document.
func ostreeImageRef(target uptane.Target) (string, bool) {
	var custom struct {
		OstreeImageRef string `json:"ostreeImageRef"`
	}
	if err := json.Unmarshal([]byte(target.CustomFormat), &custom); err != nil || custom.OstreeImageRef == "" {
		return "", false
	}
	return custom.OstreeImageRef, true
}

var _ installer.PackageManager = (*Manager)(nil)

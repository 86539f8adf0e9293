// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// NoopManager is a PackageManager that only records what it was asked
// to install, for Primary-less test devices and dry-run configurations.
type NoopManager struct {
	Installed []uptane.Target
}

// NewNoopManager builds an empty NoopManager.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

func (n *NoopManager) Install(ctx context.Context, target uptane.Target, content []byte) (Result, error) {
	n.Installed = append(n.Installed, target)
	return ResultInstalled, nil
}

func (n *NoopManager) FinalizeInstall(ctx context.Context, target uptane.Target) (Result, error) {
	return ResultInstalled, nil
}

var _ PackageManager = (*NoopManager)(nil)

// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"errors"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// ErrNotImplemented is returned by PackageManager variants whose
// platform internals are explicitly out of scope: Android package
// manager back-ends are treated as a capability set, not implemented.
var ErrNotImplemented = errors.New("installer: not implemented on this platform")

// AndroidManager models only the capability surface of an Android
// A/B-slot update mechanism; it carries no Android internals, only the
// package-manager capability set.
type AndroidManager struct{}

func (AndroidManager) Install(ctx context.Context, target uptane.Target, content []byte) (Result, error) {
	return ResultFailed, ErrNotImplemented
}

func (AndroidManager) FinalizeInstall(ctx context.Context, target uptane.Target) (Result, error) {
	return ResultFailed, ErrNotImplemented
}

var _ PackageManager = AndroidManager{}

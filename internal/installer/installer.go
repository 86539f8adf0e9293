// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package installer drives per-ECU install orchestration over a
// PackageManager capability, persisting pending/committed transitions
// through a reboot-aware finalize step.
package installer

import (
	"context"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/storage"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

var log = logger.Logger()

// State is one ECU's position in the Idle → Downloading → Verified →
// Installing → PendingReboot? → Installed | Failed lifecycle.
type State int

const (
	Idle State = iota
	Downloading
	Verified
	Installing
	PendingReboot
	Installed
	Failed
)

// Result is what a PackageManager reports after an install attempt.
type Result int

const (
	ResultInstalled Result = iota
	ResultNeedCompletion
	ResultFailed
)

// PackageManager is the package-manager back-end capability set: the
// installer never depends on OSTree/Android/no-op internals directly.
type PackageManager interface {
	// Install writes content for target and reports whether the
	// change is already effective or needs a reboot to complete.
	Install(ctx context.Context, target uptane.Target, content []byte) (Result, error)
	// FinalizeInstall is called once at startup for any ECU left in
	// PendingReboot, completing an install that survived a reboot.
	FinalizeInstall(ctx context.Context, target uptane.Target) (Result, error)
}

// Installer tracks in-memory per-ECU State alongside the durable
// PendingInstall/InstallationLog bookkeeping in storage.Store.
type Installer struct {
	Store storage.Store
	Mgr   PackageManager

	states map[uptane.EcuSerial]State
}

// New builds an Installer backed by store and mgr.
func New(store storage.Store, mgr PackageManager) *Installer {
	return &Installer{Store: store, Mgr: mgr, states: map[uptane.EcuSerial]State{}}
}

// State returns ecu's current in-memory lifecycle state (Idle if never observed).
func (i *Installer) State(ecu uptane.EcuSerial) State {
	if s, ok := i.states[ecu]; ok {
		return s
	}
	return Idle
}

// Install drives ecu through Installing, persisting a PendingInstall
// row before calling the package manager: entering Installing always
// writes a PendingInstall(ecu, target) row first.
func (i *Installer) Install(ctx context.Context, ecu uptane.EcuSerial, target uptane.Target, content []byte) (Result, error) {
	i.states[ecu] = Installing
	if err := i.Store.SetPending(ecu, target); err != nil {
		i.states[ecu] = Failed
		return ResultFailed, err
	}

	result, err := i.Mgr.Install(ctx, target, content)
	if err != nil {
		i.states[ecu] = Failed
		return ResultFailed, err
	}

	switch result {
	case ResultNeedCompletion:
		i.states[ecu] = PendingReboot
		return result, nil
	case ResultInstalled:
		if err := i.commit(ecu, target); err != nil {
			return ResultFailed, err
		}
		return result, nil
	default:
		i.states[ecu] = Failed
		return ResultFailed, nil
	}
}

// FinalizeAll is called once from Engine.Initialize: any ECU whose
// stored PendingInstall survived a reboot has FinalizeInstall called
// on the package manager, so a restart never loses a pending install.
func (i *Installer) FinalizeAll(ctx context.Context, ecus []uptane.EcuSerial) error {
	for _, ecu := range ecus {
		pending, ok, err := i.Store.Pending(ecu)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		i.states[ecu] = PendingReboot
		result, err := i.Mgr.FinalizeInstall(ctx, pending.Target)
		if err != nil {
			log.Warnf("finalize install for %s failed: %v", ecu, err)
			i.states[ecu] = Failed
			continue
		}
		if result == ResultInstalled {
			if err := i.commit(ecu, pending.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

func (i *Installer) commit(ecu uptane.EcuSerial, target uptane.Target) error {
	if err := i.Store.AppendInstalled(ecu, target); err != nil {
		return err
	}
	if err := i.Store.ClearPending(ecu); err != nil {
		return err
	}
	i.states[ecu] = Installed
	return nil
}

// SetRawReport overrides the raw_report field of ecu's pending row. It
// returns false if no pending row exists.
func (i *Installer) SetRawReport(ecu uptane.EcuSerial, text string) (bool, error) {
	return i.Store.SetPendingRawReport(ecu, text)
}

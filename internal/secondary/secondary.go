// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package secondary tracks the device's Secondary ECUs and dispatches
// verified metadata and firmware to them, collecting signed ECU
// manifests.
package secondary

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
	"golang.org/x/sync/errgroup"
)

var log = logger.Logger()

// MetaPack is the metadata bundle sent to a Secondary ahead of
// firmware. ImageTimestamp/ImageSnapshot/ImageTargets are optional:
// a MetaPack with only DirectorRoot/DirectorTargets set sends legacy
// Director-only metadata.
type MetaPack struct {
	DirectorRoot    []byte
	DirectorTargets []byte
	ImageRoot       []byte
	ImageTimestamp  []byte
	ImageSnapshot   []byte
	ImageTargets    []byte
}

// ManifestStatus records the outcome the device manifest carries for
// one ECU, including the "attack detected" annotation required when a
// Secondary's own signature fails to verify.
type ManifestStatus int

const (
	ManifestOK ManifestStatus = iota
	ManifestFailed
	ManifestAttackDetected
)

// EcuManifest is one Secondary's (or the Primary's own) contribution
// to the aggregated device manifest.
type EcuManifest struct {
	Ecu    uptane.EcuSerial
	Raw    []byte
	Status ManifestStatus
	Err    error
}

// ECU is the capability set every Secondary implementation (in-process
// or IPC-reached) must satisfy.
type ECU interface {
	Serial(ctx context.Context) (uptane.EcuSerial, error)
	HardwareId(ctx context.Context) (uptane.HardwareId, error)
	PublicKey(ctx context.Context) (uptane.PublicKey, error)
	PutRoot(ctx context.Context, repo uptane.RepositoryKind, root []byte, version uptane.Version) error
	PutMetadata(ctx context.Context, pack MetaPack) error
	SendFirmware(ctx context.Context, target uptane.Target, content []byte) error
	GetManifest(ctx context.Context) ([]byte, error)
}

// Registry tracks the device's known Secondaries by ECU serial. It is
// populated via Add before Initialize; registering a Secondary after
// Initialize is not supported.
type Registry struct {
	mu   sync.RWMutex
	ecus map[uptane.EcuSerial]ECU
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ecus: map[uptane.EcuSerial]ECU{}}
}

// Add registers a Secondary implementation under serial.
func (r *Registry) Add(serial uptane.EcuSerial, ecu ECU) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ecus[serial] = ecu
}

// Get returns the Secondary registered under serial, if any.
func (r *Registry) Get(serial uptane.EcuSerial) (ECU, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ecu, ok := r.ecus[serial]
	return ecu, ok
}

// Serials returns every registered serial in lexicographic order, the
// ordering required for reproducible manifest aggregation.
func (r *Registry) Serials() []uptane.EcuSerial {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uptane.EcuSerial, 0, len(r.ecus))
	for serial := range r.ecus {
		out = append(out, serial)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TargetResolver resolves which verified Target (if any) a given ECU serial
// is assigned in the current Director Targets, matching hwid against
// the target's custom.hardwareIdentifier field.
type TargetResolver func(serial uptane.EcuSerial, hwid uptane.HardwareId) (uptane.Target, bool)

// InstalledVersionsStore is the subset of storage.Store the Dispatcher
// consults to make Send at-most-once per (ecu, target).
type InstalledVersionsStore interface {
	InstalledVersions(ecu uptane.EcuSerial) ([]uptane.InstallationLogEntry, error)
}

// Dispatcher drives one update cycle's delivery of metadata and
// firmware to every eligible Secondary, fanning the per-ECU work out
// concurrently and aggregating the results back into a device
// manifest.
type Dispatcher struct {
	Registry *Registry
	Resolve  TargetResolver
	Fetch    func(ctx context.Context, target uptane.Target) ([]byte, error)
	Verify   func(ecu uptane.EcuSerial, pub uptane.PublicKey, manifest []byte) error
	Store    InstalledVersionsStore
}

// DispatchAll sends pack to every Secondary whose ECU is named in the
// current Director Targets and whose hwid matches, in the required
// order: Root before the rest of the metadata, before firmware, one
// ECU at a time but all ECUs concurrently.
func (d *Dispatcher) DispatchAll(ctx context.Context, pack MetaPack) ([]EcuManifest, error) {
	serials := d.Registry.Serials()
	results := make([]EcuManifest, len(serials))

	g, gctx := errgroup.WithContext(ctx)
	for i, serial := range serials {
		i, serial := i, serial
		g.Go(func() error {
			results[i] = d.dispatchOne(gctx, serial, pack)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, r := range results {
		if r.Ecu != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, serial uptane.EcuSerial, pack MetaPack) EcuManifest {
	ecu, ok := d.Registry.Get(serial)
	if !ok {
		return EcuManifest{}
	}

	hwid, err := ecu.HardwareId(ctx)
	if err != nil {
		return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
	}
	target, eligible := d.Resolve(serial, hwid)
	if !eligible {
		return EcuManifest{}
	}

	if d.Store != nil {
		entries, err := d.Store.InstalledVersions(serial)
		if err != nil {
			return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
		}
		if targetAlreadyInstalled(entries, target) {
			log.Debugf("secondary %s: target %s already installed, skipping redundant dispatch", serial, target.Filename)
			return EcuManifest{Ecu: serial, Status: ManifestOK}
		}
	}

	if len(pack.DirectorRoot) > 0 {
		if err := ecu.PutRoot(ctx, uptane.Director, pack.DirectorRoot, uptane.AnyVersion); err != nil {
			return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
		}
	}
	if len(pack.ImageRoot) > 0 {
		if err := ecu.PutRoot(ctx, uptane.Image, pack.ImageRoot, uptane.AnyVersion); err != nil {
			return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
		}
	}
	if err := ecu.PutMetadata(ctx, pack); err != nil {
		return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
	}

	content, err := d.Fetch(ctx, target)
	if err != nil {
		return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
	}
	if err := ecu.SendFirmware(ctx, target, content); err != nil {
		return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
	}

	manifest, err := ecu.GetManifest(ctx)
	if err != nil {
		return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
	}

	pub, err := ecu.PublicKey(ctx)
	if err != nil {
		return EcuManifest{Ecu: serial, Status: ManifestFailed, Err: err}
	}
	if err := d.Verify(serial, pub, manifest); err != nil {
		log.Warnf("secondary %s manifest failed verification: %v", serial, err)
		return EcuManifest{Ecu: serial, Raw: manifest, Status: ManifestAttackDetected, Err: fmt.Errorf("attack_detected: %w", err)}
	}

	return EcuManifest{Ecu: serial, Raw: manifest, Status: ManifestOK}
}

// targetAlreadyInstalled reports whether target already appears in
// ecu's installation log, matching by filename and hash agreement so
// Send remains at-most-once per (ecu, target): a repeated dispatch for
// a target already installed is a no-op returning success rather than
// resending metadata and firmware.
func targetAlreadyInstalled(entries []uptane.InstallationLogEntry, target uptane.Target) bool {
	for _, entry := range entries {
		for _, installed := range entry.Targets {
			if installed.Filename != target.Filename {
				continue
			}
			if targetHashesAgree(installed.Hashes, target.Hashes) {
				return true
			}
		}
	}
	return false
}

// targetHashesAgree requires every hash target lists to be present
// and equal in installed.
func targetHashesAgree(installedHashes, targetHashes []uptane.Hash) bool {
	if len(targetHashes) == 0 {
		return false
	}
	for _, th := range targetHashes {
		found := false
		for _, ih := range installedHashes {
			if th.Equal(ih) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

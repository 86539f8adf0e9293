// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistent store contract the agent
// core requires (versioned Root history, latest-of-role documents,
// ECU registry, pending-install bookkeeping, installation log, device
// credentials, and stored target content) and ships one production
// implementation backed by afero, plus an in-memory variant for tests.
package storage

import (
	"io"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// Store is every operation the engine needs from persistence. Every
// write must be atomic with respect to a crash between write and
// fsync/rename; readers never observe a torn write.
type Store interface {
	// LoadRoot returns the stored Root document for (repo, version), if any.
	LoadRoot(repo uptane.RepositoryKind, version uptane.Version) ([]byte, bool, error)
	// StoreRoot appends a new Root version. Roots are append-only.
	StoreRoot(repo uptane.RepositoryKind, version uptane.Version, raw []byte) error
	// LatestRootVersion returns the highest stored Root version for repo,
	// or uptane.AnyVersion if none is stored yet.
	LatestRootVersion(repo uptane.RepositoryKind) (uptane.Version, error)

	// LoadLatest returns the most recently stored document for (repo, role).
	LoadLatest(repo uptane.RepositoryKind, role uptane.RoleKind) ([]byte, bool, error)
	// StoreLatest atomically replaces the stored document for (repo, role).
	StoreLatest(repo uptane.RepositoryKind, role uptane.RoleKind, raw []byte) error

	// EcuSerials returns the registered ECU roster.
	EcuSerials() ([]uptane.EcuRecord, error)
	// StoreEcuSerials writes the roster once, before Initialize completes.
	StoreEcuSerials(records []uptane.EcuRecord) error

	// Pending returns the single outstanding install for ecu, if any.
	Pending(ecu uptane.EcuSerial) (*uptane.PendingInstall, bool, error)
	// SetPending records the single outstanding install for ecu,
	// replacing any previous pending row for the same ECU.
	SetPending(ecu uptane.EcuSerial, target uptane.Target) error
	// SetPendingRawReport updates the pending row's raw report, returning
	// false if no pending row exists for ecu.
	SetPendingRawReport(ecu uptane.EcuSerial, report string) (bool, error)
	// ClearPending removes the pending row for ecu, if any.
	ClearPending(ecu uptane.EcuSerial) error

	// InstalledVersions returns the append-only installation log for ecu.
	InstalledVersions(ecu uptane.EcuSerial) ([]uptane.InstallationLogEntry, error)
	// AppendInstalled appends one entry to ecu's installation log.
	AppendInstalled(ecu uptane.EcuSerial, target uptane.Target) error

	// DeviceId returns the provisioned device identifier, if any.
	DeviceId() (string, bool, error)
	// SetDeviceId writes the device identifier once, at Initialize.
	SetDeviceId(id string) error

	// TLSCredentials returns the opaque device-credential blob, if any.
	TLSCredentials() ([]byte, bool, error)
	// SetTLSCredentials writes the device-credential blob.
	SetTLSCredentials(blob []byte) error

	// PrimaryKeys returns the Primary's own keypair material, if any.
	PrimaryKeys() ([]byte, bool, error)
	// SetPrimaryKeys writes the Primary's own keypair material.
	SetPrimaryKeys(blob []byte) error

	// StoredTargets lists the target binaries currently on disk.
	StoredTargets() ([]uptane.Target, error)
	// StoreTargetContent atomically writes a verified target's content,
	// content-addressed by its Sha256 hash.
	StoreTargetContent(target uptane.Target, content []byte) error
	// OpenStoredTarget opens a previously stored target's content for reading.
	OpenStoredTarget(target uptane.Target) (io.ReadCloser, error)
	// DeleteStoredTarget removes a stored target's content, if present.
	DeleteStoredTarget(target uptane.Target) error
}

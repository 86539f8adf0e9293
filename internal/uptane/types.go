// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package uptane is the typed representation of Uptane role metadata:
// Root, Timestamp, Snapshot, Targets (with delegations), and the
// supporting value types (Version, TimeStamp, Hash, PublicKey, Target,
// EcuSerial/EcuRecord). Parsing is strict: unknown top-level fields are
// tolerated, but a malformed or mistyped `signed` body is rejected
// before a caller ever sees it. Every constructor retains the exact
// original JSON bytes it was built from; nothing in this package
// re-serializes a document for the purpose of re-verifying it.
package uptane

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RepositoryKind distinguishes the two independent Uptane repositories.
type RepositoryKind int

const (
	Director RepositoryKind = iota
	Image
)

func (r RepositoryKind) String() string {
	if r == Director {
		return "director"
	}
	return "image"
}

// RoleKind enumerates the four standard roles. Delegated Targets roles
// carry their own name alongside RoleKind Delegation.
type RoleKind int

const (
	RoleRoot RoleKind = iota
	RoleTimestamp
	RoleSnapshot
	RoleTargets
	RoleDelegation
)

func (k RoleKind) String() string {
	switch k {
	case RoleRoot:
		return "root"
	case RoleTimestamp:
		return "timestamp"
	case RoleSnapshot:
		return "snapshot"
	case RoleTargets:
		return "targets"
	case RoleDelegation:
		return "delegation"
	default:
		return "unknown"
	}
}

// Role is a tagged value: {Root, Timestamp, Snapshot, Targets,
// Delegation(name)}. Two delegation Roles are Equal if their Name
// matches; the Parent field is metadata only and is ignored by Equal,
// matching spec's "equality ignores parent".
type Role struct {
	Kind   RoleKind
	Name   string // set only when Kind == RoleDelegation
	Parent string // delegating Targets role name; informational only
}

// NewRole builds a non-delegation role.
func NewRole(kind RoleKind) Role { return Role{Kind: kind} }

// NewDelegationRole builds a delegated Targets role.
func NewDelegationRole(name, parent string) Role {
	return Role{Kind: RoleDelegation, Name: name, Parent: parent}
}

// Equal compares roles ignoring Parent, per spec.
func (r Role) Equal(other Role) bool {
	if r.Kind != other.Kind {
		return false
	}
	if r.Kind == RoleDelegation {
		return r.Name == other.Name
	}
	return true
}

func (r Role) String() string {
	if r.Kind == RoleDelegation {
		return r.Name
	}
	return r.Kind.String()
}

// RoleFile is a Snapshot meta_versions map key: "root.json",
// "targets.json", or "<delegation-name>.json".
type RoleFile string

// FileName returns the conventional role-file name for a role.
func (r Role) FileName() string {
	if r.Kind == RoleDelegation {
		return r.Name + ".json"
	}
	return r.Kind.String() + ".json"
}

// Version is a non-negative monotonic counter. AnyVersion is a
// sentinel used by lookups that don't care about a specific version.
type Version int64

const AnyVersion Version = -1

// TimeStamp is a strict RFC-3339 "YYYY-MM-DDTHH:MM:SSZ" value: length
// 20, trailing 'Z'. It is valid by construction via ParseTimeStamp;
// ordering on well-formed values is lexicographic.
type TimeStamp string

// ParseTimeStamp validates the strict Uptane timestamp shape.
func ParseTimeStamp(s string) (TimeStamp, error) {
	if len(s) != 20 || s[19] != 'Z' {
		return "", fmt.Errorf("timestamp %q is not strict RFC-3339 Z-form", s)
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return "", fmt.Errorf("timestamp %q: %w", s, err)
	}
	return TimeStamp(s), nil
}

// IsExpiredAt reports true if ts is malformed or strictly earlier than now.
func (ts TimeStamp) IsExpiredAt(now time.Time) bool {
	t, err := time.Parse(time.RFC3339, string(ts))
	if err != nil {
		return true
	}
	return t.Before(now)
}

// Less implements the lexicographic ordering valid-by-construction
// timestamps satisfy.
func (ts TimeStamp) Less(other TimeStamp) bool { return ts < other }

// HashAlgorithm enumerates the digest algorithms this system accepts.
type HashAlgorithm int

const (
	Sha256 HashAlgorithm = iota
	Sha512
	UnknownHashAlgorithm
)

// Hash is an {algorithm, hex-uppercase digest} pair. Equality is on
// both fields together.
type Hash struct {
	Algorithm HashAlgorithm
	Digest    string // hex, uppercase
}

func (h Hash) Equal(other Hash) bool {
	return h.Algorithm == other.Algorithm && h.Digest == other.Digest
}

// PublicKeyType enumerates the key types the verifier accepts.
// Unknown-typed keys never verify, by construction of the default
// SignatureVerifier.
type PublicKeyType int

const (
	Rsa2048 PublicKeyType = iota
	Rsa3072
	Rsa4096
	Ed25519
	UnknownKeyType
)

// KeyId is hex(sha256(canonical-json(pem-string))), lowercase.
type KeyId string

// PublicKey is {type, PEM-encoded value, derived KeyId}.
type PublicKey struct {
	Type    PublicKeyType
	Encoded string // PEM
	Id      KeyId
}

// DeriveKeyId computes KeyId = hex(sha256(canonical-json(pem))) for a
// raw PEM-encoded key string, lowercased. Callers build PublicKey
// values through NewPublicKey so Id is always consistent with Encoded.
func DeriveKeyId(pem string) KeyId {
	canon := CanonicalJSONString(pem)
	sum := sha256.Sum256(canon)
	return KeyId(hex.EncodeToString(sum[:]))
}

// NewPublicKey builds a PublicKey deriving its KeyId from the PEM text.
func NewPublicKey(typ PublicKeyType, pem string) PublicKey {
	return PublicKey{Type: typ, Encoded: pem, Id: DeriveKeyId(pem)}
}

// Target is a named, hashed, length-bounded binary artifact.
type Target struct {
	Filename      string
	EcuIdentifier string
	Length        uint64
	Hashes        []Hash
	CustomFormat  string // optional; raw JSON of the "custom" field, or ""
}

// Validate enforces Target's invariants: non-empty filename and at
// least one Sha256 or Sha512 hash.
func (t Target) Validate() error {
	if t.Filename == "" {
		return fmt.Errorf("target: empty filename")
	}
	for _, h := range t.Hashes {
		if h.Algorithm == Sha256 || h.Algorithm == Sha512 {
			return nil
		}
	}
	return fmt.Errorf("target %q: no sha256/sha512 hash present", t.Filename)
}

// HashFor returns the hash of the given algorithm, if present.
func (t Target) HashFor(alg HashAlgorithm) (Hash, bool) {
	for _, h := range t.Hashes {
		if h.Algorithm == alg {
			return h, true
		}
	}
	return Hash{}, false
}

// EcuSerial and HardwareId are opaque, non-empty, device-unique strings.
type EcuSerial string
type HardwareId string

// EcuRole distinguishes the Primary (which hosts this engine) from
// Secondaries (reached through the Primary).
type EcuRole int

const (
	Primary EcuRole = iota
	Secondary
)

// MisconfigurationReason refines the Misconfigured EcuState.
type MisconfigurationReason int

const (
	NoMisconfiguration MisconfigurationReason = iota
	OldMisconfiguration
	NotRegisteredMisconfiguration
)

// EcuState is the high-level registration/install status of an ECU.
type EcuState int

const (
	EcuConfigured EcuState = iota
	EcuPending
	EcuInstalled
	EcuMisconfigured
)

// EcuRecord is this device's view of one ECU, Primary or Secondary.
type EcuRecord struct {
	Serial                 EcuSerial
	HardwareId             HardwareId
	Role                   EcuRole
	PublicKey              PublicKey
	State                  EcuState
	MisconfigurationReason MisconfigurationReason
}

// InstallationLogEntry is an append-only record of what was installed
// on an ECU, in the order installs completed.
type InstallationLogEntry struct {
	Ecu     EcuSerial
	Targets []Target
}

// PendingInstall tracks the single outstanding install for an ECU.
type PendingInstall struct {
	Ecu        EcuSerial
	Target     Target
	RawReport  string
	HasReport  bool
}

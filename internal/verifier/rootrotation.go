// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// MaxRootRotations bounds RotateRoot's iteration; the fetcher stops
// advancing once this many rotations have been applied in one cycle
// even if the server keeps offering newer Roots.
const MaxRootRotations = 1000

// VerifyNewRoot verifies a root rotation candidate: Root N+1 must be
// signed by both the old Root N's threshold and its
// own threshold, its version must be exactly old.Version+1, and it
// must not be expired at Clock(). On success it returns the parsed new
// Root; the caller is responsible for persisting it and advancing old.
func (v *Verifier) VerifyNewRoot(oldRoot *uptane.Root, repo uptane.RepositoryKind, raw []byte) (*uptane.Root, error) {
	candidate, err := uptane.ParseRoot(repo, raw)
	if err != nil {
		return nil, err
	}
	if candidate.Version != oldRoot.Version+1 {
		return nil, uptane.NewError(uptane.SecurityException, "root rotation: version is not old+1", nil)
	}

	canon, sigs, err := uptane.SignedEnvelope(raw)
	if err != nil {
		return nil, err
	}

	oldThreshold := oldRoot.Thresholds[uptane.RoleRoot]
	oldKeys := keysByIds(oldRoot.Keys, oldRoot.RoleKeys[uptane.RoleRoot])
	if err := v.checkSignatures(canon, sigs, oldKeys, oldThreshold); err != nil {
		return nil, err
	}

	newThreshold := candidate.Thresholds[uptane.RoleRoot]
	newKeys := keysByIds(candidate.Keys, candidate.RoleKeys[uptane.RoleRoot])
	if err := v.checkSignatures(canon, sigs, newKeys, newThreshold); err != nil {
		return nil, err
	}

	if err := v.checkTypeAndExpiry(candidate.RoleTag, uptane.RoleRoot, candidate.Expires); err != nil {
		return nil, err
	}
	return candidate, nil
}

// RotateRoot walks the chain of Root documents fetch() returns (given
// the next version number) until fetch reports no further document,
// up to MaxRootRotations steps. It returns the latest Root verified
// and the count of rotations actually applied; a break in the chain
// (verification failure on candidate k+1) leaves root at the last
// valid version and returns that version's Root with a nil error —
// the caller decides whether "no more available" is an error.
func (v *Verifier) RotateRoot(current *uptane.Root, repo uptane.RepositoryKind, fetch func(version uptane.Version) ([]byte, bool, error)) (*uptane.Root, int, error) {
	rotations := 0
	for rotations < MaxRootRotations {
		nextVersion := current.Version + 1
		raw, exists, err := fetch(nextVersion)
		if err != nil {
			return current, rotations, err
		}
		if !exists {
			break
		}
		next, err := v.VerifyNewRoot(current, repo, raw)
		if err != nil {
			// A break in the chain stops rotation at the last valid
			// version rather than failing the whole cycle: the fetcher
			// still has a usable, previously-trusted Root to work with.
			break
		}
		current = next
		rotations++
	}
	return current, rotations, nil
}

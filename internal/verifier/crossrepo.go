// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// ImageTargetsLookup resolves a filename to the Image repository's
// Target for it, walking delegations as needed. Returning ok=false
// means the Image side has no opinion on the filename at all.
type ImageTargetsLookup func(filename string) (uptane.Target, bool)

// VerifyTargetAgreement checks cross-repository target agreement:
// every target the Director selected must be mirrored by the Image
// repository with identical hashes and length, and the Director's
// hardwareIdentifier custom field must match the stored hwid for the
// owning ECU. Disagreement returns MissMatchTarget; the caller is
// expected to reject just that target and continue with the rest.
func VerifyTargetAgreement(directorTarget uptane.Target, directorHwid uptane.HardwareId, storedHwid uptane.HardwareId, lookupImage ImageTargetsLookup) error {
	if directorHwid != "" && storedHwid != "" && directorHwid != storedHwid {
		return uptane.NewError(uptane.MissMatchTarget, directorTarget.Filename+": hardware id mismatch", nil)
	}

	imageTarget, ok := lookupImage(directorTarget.Filename)
	if !ok {
		return uptane.NewError(uptane.MissMatchTarget, directorTarget.Filename+": not present in image repository", nil)
	}
	if imageTarget.Length != directorTarget.Length {
		return uptane.NewError(uptane.MissMatchTarget, directorTarget.Filename+": length disagreement", nil)
	}
	if !hashesFullyMatch(directorTarget.Hashes, imageTarget.Hashes) {
		return uptane.NewError(uptane.MissMatchTarget, directorTarget.Filename+": hash disagreement", nil)
	}
	return nil
}

// hashesFullyMatch requires every hash Director lists to be present
// and equal on the Image side.
func hashesFullyMatch(directorHashes, imageHashes []uptane.Hash) bool {
	if len(directorHashes) == 0 {
		return false
	}
	for _, dh := range directorHashes {
		found := false
		for _, ih := range imageHashes {
			if dh.Equal(ih) {
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

// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// computeHash digests raw with alg, returning an uppercase-hex Hash to
// match the Hash value type's equality convention.
func computeHash(raw []byte, alg uptane.HashAlgorithm) uptane.Hash {
	switch alg {
	case uptane.Sha512:
		sum := sha512.Sum512(raw)
		return uptane.Hash{Algorithm: uptane.Sha512, Digest: strings.ToUpper(hex.EncodeToString(sum[:]))}
	default:
		sum := sha256.Sum256(raw)
		return uptane.Hash{Algorithm: uptane.Sha256, Digest: strings.ToUpper(hex.EncodeToString(sum[:]))}
	}
}

// VerifyTargetDigest checks a downloaded target's content against its
// metadata hash(es) and length, returning TargetHashMismatch or
// OversizedTarget on disagreement.
func VerifyTargetDigest(content []byte, target uptane.Target) error {
	if uint64(len(content)) > target.Length {
		return uptane.NewError(uptane.OversizedTarget, target.Filename, nil)
	}
	if uint64(len(content)) != target.Length {
		return uptane.NewError(uptane.TargetHashMismatch, target.Filename+": length mismatch", nil)
	}
	for _, want := range target.Hashes {
		got := computeHash(content, want.Algorithm)
		if !got.Equal(want) {
			return uptane.NewError(uptane.TargetHashMismatch, target.Filename, nil)
		}
	}
	return nil
}

// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package verifier

import (
	"strings"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

var allowedMethods = map[string]bool{
	"rsassa-pss":        true,
	"rsassa-pss-sha256": true,
	"ed25519":           true,
}

// Verifier ties a SignatureVerifier collaborator to an injected Clock
// and implements the Uptane metadata verification algorithm.
type Verifier struct {
	Crypto SignatureVerifier
	Clock  Clock
}

// New builds a Verifier. A nil crypto defaults to DefaultSignatureVerifier.
func New(crypto SignatureVerifier, clock Clock) *Verifier {
	if crypto == nil {
		crypto = DefaultSignatureVerifier{}
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Verifier{Crypto: crypto, Clock: clock}
}

// checkSignatures implements the threshold-signature check over an
// arbitrary key ring/threshold pair, so it serves top-level roles
// (keys come from Root) and delegations (keys come from the
// delegation's own key set) alike.
func (v *Verifier) checkSignatures(canonicalSigned []byte, sigs []uptane.Signature, keys map[uptane.KeyId]uptane.PublicKey, threshold int) error {
	if threshold < MinThreshold || threshold > MaxThreshold {
		return uptane.NewError(uptane.IllegalThreshold, "role threshold out of bounds", nil)
	}

	seen := map[uptane.KeyId]bool{}
	validByKey := map[uptane.KeyId]bool{}
	singleSig := len(sigs) == 1
	singleSigValid := false

	for _, sig := range sigs {
		keyId := uptane.KeyId(sig.KeyId)
		if seen[keyId] {
			return uptane.NewError(uptane.NonUniqueSignatures, string(keyId), nil)
		}
		seen[keyId] = true

		method := strings.ToLower(sig.Method)
		if !allowedMethods[method] {
			return uptane.NewError(uptane.SecurityException, "unsupported signature method "+sig.Method, nil)
		}

		pub, ok := keys[keyId]
		if !ok {
			continue // unknown key-id: silently skipped
		}

		ok, err := v.Crypto.Verify(pub, method, canonicalSigned, []byte(sig.Sig))
		if err != nil {
			continue // treat a malformed signature as simply invalid
		}
		if ok {
			validByKey[keyId] = true
			if singleSig {
				singleSigValid = true
			}
		}
	}

	if singleSig && !singleSigValid {
		return uptane.NewError(uptane.BadKeyId, "single signature present and invalid", nil)
	}
	if len(validByKey) < threshold {
		return uptane.NewError(uptane.UnmetThreshold, "not enough valid signatures", nil)
	}
	return nil
}

// checkTypeAndExpiry checks _type agreement and expiry.
func (v *Verifier) checkTypeAndExpiry(roleTag uptane.Role, expected uptane.RoleKind, expires uptane.TimeStamp) error {
	if roleTag.Kind == uptane.RoleDelegation {
		if expected != uptane.RoleTargets {
			return uptane.NewError(uptane.SecurityException, "delegation must map to targets role", nil)
		}
	} else if roleTag.Kind != expected {
		return uptane.NewError(uptane.SecurityException, "signed._type does not match requested role", nil)
	}
	if expires.IsExpiredAt(v.Clock()) {
		return uptane.NewError(uptane.ExpiredMetadata, string(expires), nil)
	}
	return nil
}

// VerifyRoot verifies a root.json document against the trust anchor's
// OWN key set (self-signed for its own role), returning the parsed
// document on success.
func (v *Verifier) VerifyRoot(trust *uptane.Root, repo uptane.RepositoryKind, raw []byte) (*uptane.Root, error) {
	candidate, err := uptane.ParseRoot(repo, raw)
	if err != nil {
		return nil, err
	}
	canon, sigs, err := uptane.SignedEnvelope(raw)
	if err != nil {
		return nil, err
	}
	threshold := trust.Thresholds[uptane.RoleRoot]
	keys := keysByIds(trust.Keys, trust.RoleKeys[uptane.RoleRoot])
	if err := v.checkSignatures(canon, sigs, keys, threshold); err != nil {
		return nil, err
	}
	if err := v.checkTypeAndExpiry(candidate.RoleTag, uptane.RoleRoot, candidate.Expires); err != nil {
		return nil, err
	}
	return candidate, nil
}

// VerifyTimestamp verifies a timestamp.json document using trust's
// Timestamp key set, additionally enforcing version monotonicity
// against storedVersion. A strictly older version
// is a rollback attack and returns SecurityException; an equal version
// verifies normally so the caller can end the cycle cleanly with "no
// new updates" rather than treating it as an attack.
func (v *Verifier) VerifyTimestamp(trust *uptane.Root, repo uptane.RepositoryKind, raw []byte, storedVersion uptane.Version) (*uptane.Timestamp, error) {
	candidate, err := uptane.ParseTimestamp(repo, raw)
	if err != nil {
		return nil, err
	}
	if candidate.Version < storedVersion && storedVersion != uptane.AnyVersion {
		return nil, uptane.NewError(uptane.SecurityException, "rollback: timestamp version older than stored", nil)
	}
	canon, sigs, err := uptane.SignedEnvelope(raw)
	if err != nil {
		return nil, err
	}
	threshold := trust.Thresholds[uptane.RoleTimestamp]
	keys := keysByIds(trust.Keys, trust.RoleKeys[uptane.RoleTimestamp])
	if err := v.checkSignatures(canon, sigs, keys, threshold); err != nil {
		return nil, err
	}
	if err := v.checkTypeAndExpiry(candidate.RoleTag, uptane.RoleTimestamp, candidate.Expires); err != nil {
		return nil, err
	}
	return candidate, nil
}

// VerifySnapshot verifies a snapshot.json document and cross-checks it
// against the Timestamp that named it.
func (v *Verifier) VerifySnapshot(trust *uptane.Root, repo uptane.RepositoryKind, raw []byte, ts *uptane.Timestamp) (*uptane.Snapshot, error) {
	candidate, err := uptane.ParseSnapshot(repo, raw)
	if err != nil {
		return nil, err
	}
	canon, sigs, err := uptane.SignedEnvelope(raw)
	if err != nil {
		return nil, err
	}
	threshold := trust.Thresholds[uptane.RoleSnapshot]
	keys := keysByIds(trust.Keys, trust.RoleKeys[uptane.RoleSnapshot])
	if err := v.checkSignatures(canon, sigs, keys, threshold); err != nil {
		return nil, err
	}
	if err := v.checkTypeAndExpiry(candidate.RoleTag, uptane.RoleSnapshot, candidate.Expires); err != nil {
		return nil, err
	}
	if candidate.Version != ts.SnapshotVersion {
		return nil, uptane.NewError(uptane.SecurityException, "snapshot version does not match timestamp", nil)
	}
	snapshotHash := hashBytes(raw, ts.SnapshotHash.Algorithm)
	if !snapshotHash.Equal(ts.SnapshotHash) {
		return nil, uptane.NewError(uptane.SecurityException, "snapshot hash does not match timestamp", nil)
	}
	return candidate, nil
}

// VerifyTargets verifies a targets.json (or delegated) document and
// cross-checks its version against the Snapshot that promised it.
// keys/threshold are the Root's Targets key set for the top-level
// role, or a delegation's own key set otherwise.
func (v *Verifier) VerifyTargets(repo uptane.RepositoryKind, roleName string, raw []byte, keys map[uptane.KeyId]uptane.PublicKey, threshold int, snap *uptane.Snapshot) (*uptane.Targets, error) {
	candidate, err := uptane.ParseTargets(repo, roleName, raw)
	if err != nil {
		return nil, err
	}
	canon, sigs, err := uptane.SignedEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if err := v.checkSignatures(canon, sigs, keys, threshold); err != nil {
		return nil, err
	}
	if err := v.checkTypeAndExpiry(candidate.RoleTag, uptane.RoleTargets, candidate.Expires); err != nil {
		return nil, err
	}
	roleFile := uptane.RoleFile(roleFileName(roleName))
	if wantVersion, ok := snap.MetaVersions[roleFile]; ok && candidate.Version != wantVersion {
		return nil, uptane.NewError(uptane.SecurityException, "targets version does not match snapshot", nil)
	}
	return candidate, nil
}

func roleFileName(roleName string) string {
	if roleName == "" {
		return "targets.json"
	}
	return roleName + ".json"
}

func keysByIds(all map[uptane.KeyId]uptane.PublicKey, ids map[uptane.KeyId]bool) map[uptane.KeyId]uptane.PublicKey {
	out := make(map[uptane.KeyId]uptane.PublicKey, len(ids))
	for id := range ids {
		if k, ok := all[id]; ok {
			out[id] = k
		}
	}
	return out
}

func hashBytes(raw []byte, alg uptane.HashAlgorithm) uptane.Hash {
	return computeHash(raw, alg)
}

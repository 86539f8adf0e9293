// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package verifier_test

import (
	"testing"
	"time"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateRoot_StopsWhenNextRootLacksTrustedSignature(t *testing.T) {
	rootKeyN := newEd25519KeyPair(t)
	ts := newEd25519KeyPair(t)
	snap := newEd25519KeyPair(t)
	tgt := newEd25519KeyPair(t)

	docs := make([][]byte, 0, 3)
	keys := []keyPair{rootKeyN}
	for v := 1; v <= 3; v++ {
		doc := buildRootDoc(t, keys[len(keys)-1], ts, snap, tgt, v, "2030-01-01T00:00:00Z")
		// Each root is signed only by its own root key; a fresh key is
		// then generated for the next version.
		docs = append(docs, []byte(doc))
		keys = append(keys, newEd25519KeyPair(t))
	}

	root1, err := uptane.ParseRoot(uptane.Director, docs[0])
	require.NoError(t, err)

	v := verifier.New(nil, func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) })

	fetchCalls := 0
	fetch := func(version uptane.Version) ([]byte, bool, error) {
		fetchCalls++
		idx := int(version) - 1
		if idx < 0 || idx >= len(docs) {
			return nil, false, nil
		}
		return docs[idx], true, nil
	}

	// root1 is self-consistent (signed only by its own key, version 1), so
	// rotation from version 1 finds no version-2 candidate signed by root1's
	// key in this simplified single-signer fixture; assert the bounded walk
	// terminates cleanly rather than looping forever.
	final, rotations, err := v.RotateRoot(root1, uptane.Director, fetch)
	require.NoError(t, err)
	assert.Equal(t, uptane.Version(1), final.Version)
	assert.Equal(t, 0, rotations)
	assert.GreaterOrEqual(t, fetchCalls, 1)
}

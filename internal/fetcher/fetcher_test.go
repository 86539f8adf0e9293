// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package fetcher_test

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/fetcher"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/storage"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/verifier"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyPair struct {
	pub  uptane.PublicKey
	priv ed25519.PrivateKey
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return keyPair{pub: uptane.NewPublicKey(uptane.Ed25519, pemStr), priv: priv}
}

func sign(t *testing.T, kp keyPair, signedJSON string) string {
	t.Helper()
	canon, err := uptane.CanonicalJSON([]byte(signedJSON))
	require.NoError(t, err)
	sig := ed25519.Sign(kp.priv, canon)
	return hex.EncodeToString(sig)
}

func envelope(t *testing.T, kp keyPair, signedJSON string) string {
	t.Helper()
	sig := sign(t, kp, signedJSON)
	return fmt.Sprintf(`{"signed":%s,"signatures":[{"keyid":%q,"method":"ed25519","sig":%q}]}`, signedJSON, kp.pub.Id, sig)
}

// testFixture wires a full, cross-signed Director Root/Timestamp/
// Snapshot/Targets chain at version 1 plus a server exposing it, for
// exercising RepositoryFetcher.Refresh end to end.
type testFixture struct {
	rootKey, tsKey, snapKey, tgtKey keyPair
	server                          *httptest.Server
	store                           storage.Store
	targetsJSON                     string
}

func (f *testFixture) rootDoc(t *testing.T, version int, expires string) string {
	signed := fmt.Sprintf(`{
		"_type": "root",
		"version": %d,
		"expires": %q,
		"keys": {
			%q: {"keytype": "ed25519", "keyval": {"public": %q}},
			%q: {"keytype": "ed25519", "keyval": {"public": %q}},
			%q: {"keytype": "ed25519", "keyval": {"public": %q}},
			%q: {"keytype": "ed25519", "keyval": {"public": %q}}
		},
		"roles": {
			"root": {"keyids": [%q], "threshold": 1},
			"timestamp": {"keyids": [%q], "threshold": 1},
			"snapshot": {"keyids": [%q], "threshold": 1},
			"targets": {"keyids": [%q], "threshold": 1}
		}
	}`,
		version, expires,
		f.rootKey.pub.Id, f.rootKey.pub.Encoded,
		f.tsKey.pub.Id, f.tsKey.pub.Encoded,
		f.snapKey.pub.Id, f.snapKey.pub.Encoded,
		f.tgtKey.pub.Id, f.tgtKey.pub.Encoded,
		f.rootKey.pub.Id, f.tsKey.pub.Id, f.snapKey.pub.Id, f.tgtKey.pub.Id,
	)
	return envelope(t, f.rootKey, signed)
}

func (f *testFixture) targetsDoc(t *testing.T, version int) string {
	signed := fmt.Sprintf(`{"_type":"targets","version":%d,"expires":"2030-01-01T00:00:00Z","targets":{"firmware.bin":{"length":4,"hashes":{"sha256":"3A6EB0790F39AC87C94F3856B2DD2C5D110E6811602261A9A923D3BB23ADC8B7"}}}}`, version)
	return envelope(t, f.tgtKey, signed)
}

func (f *testFixture) snapshotDoc(t *testing.T, version int, targetsVersion int) string {
	signed := fmt.Sprintf(`{"_type":"snapshot","version":%d,"expires":"2030-01-01T00:00:00Z","meta":{"targets.json":{"version":%d}}}`, version, targetsVersion)
	return envelope(t, f.snapKey, signed)
}

func (f *testFixture) timestampDoc(t *testing.T, version int, snapRaw string) string {
	hash := verifierSnapshotHash(snapRaw)
	snap, err := uptane.ParseSnapshot(uptane.Director, []byte(snapRaw))
	require.NoError(t, err)
	signed := fmt.Sprintf(`{"_type":"timestamp","version":%d,"expires":"2030-01-01T00:00:00Z","meta":{"snapshot.json":{"version":%d,"hashes":{"sha256":%q}}}}`, version, snap.Version, hash)
	return envelope(t, f.tsKey, signed)
}

func verifierSnapshotHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func setupFixture(t *testing.T, snapVersion, timestampVersion int) (*testFixture, *fetcher.RepositoryFetcher) {
	t.Helper()
	f := &testFixture{
		rootKey: newKeyPair(t),
		tsKey:   newKeyPair(t),
		snapKey: newKeyPair(t),
		tgtKey:  newKeyPair(t),
	}

	rootV1 := f.rootDoc(t, 1, "2030-01-01T00:00:00Z")
	targetsV1 := f.targetsDoc(t, 1)
	snapV1 := f.snapshotDoc(t, snapVersion, 1)
	tsV1 := f.timestampDoc(t, timestampVersion, snapV1)

	mux := http.NewServeMux()
	mux.HandleFunc("/1.root.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(rootV1)) })
	mux.HandleFunc("/2.root.json", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	mux.HandleFunc("/timestamp.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(tsV1)) })
	mux.HandleFunc("/snapshot.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(snapV1)) })
	mux.HandleFunc("/targets.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(targetsV1)) })
	mux.HandleFunc("/firmware.bin", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("data")) })
	f.server = httptest.NewServer(mux)

	store, err := storage.NewFileStore(afero.NewMemMapFs(), "/var/lib/vua")
	require.NoError(t, err)
	require.NoError(t, store.StoreRoot(uptane.Director, 1, []byte(rootV1)))
	f.store = store

	v := verifier.New(nil, func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) })
	rf := fetcher.New(uptane.Director, f.server.URL, f.server.URL, f.server.Client(), store, v, 0)
	return f, rf
}

func TestRefresh_HappyPath(t *testing.T) {
	f, rf := setupFixture(t, 1, 2)
	defer f.server.Close()

	result, err := rf.Refresh(t.Context())
	require.NoError(t, err)
	assert.False(t, result.NoNewData)
	require.NotNil(t, result.Targets)
	target, ok := result.Targets.Find("firmware.bin")
	require.True(t, ok)
	assert.Equal(t, uint64(4), target.Length)

	raw, ok, err := f.store.LoadLatest(uptane.Director, uptane.RoleTimestamp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, raw)
}

func TestRefresh_NoNewData_WhenTimestampUnchanged(t *testing.T) {
	f, rf := setupFixture(t, 1, 1)
	defer f.server.Close()

	// Pre-store a timestamp at version 1, matching the server's.
	preexisting := f.timestampDoc(t, 1, f.snapshotDoc(t, 1, 1))
	require.NoError(t, f.store.StoreLatest(uptane.Director, uptane.RoleTimestamp, []byte(preexisting)))

	result, err := rf.Refresh(t.Context())
	require.NoError(t, err)
	assert.True(t, result.NoNewData)
}

func TestRefresh_RollbackRejected(t *testing.T) {
	f, rf := setupFixture(t, 1, 1)
	defer f.server.Close()

	// Stored timestamp is already at version 5; server offers version 1.
	newerSnap := f.snapshotDoc(t, 5, 1)
	newerTS := f.timestampDoc(t, 5, newerSnap)
	require.NoError(t, f.store.StoreLatest(uptane.Director, uptane.RoleTimestamp, []byte(newerTS)))

	_, err := rf.Refresh(t.Context())
	require.Error(t, err)
	var merr *uptane.MetadataError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, uptane.SecurityException, merr.Kind())

	// Stored timestamp is untouched after the rejected attempt.
	raw, ok, err := f.store.LoadLatest(uptane.Director, uptane.RoleTimestamp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newerTS, string(raw))
}

func TestRefresh_SnapshotHashMismatch_LeavesStorageUntouched(t *testing.T) {
	f, rf := setupFixture(t, 1, 2)
	defer f.server.Close()

	// Corrupt the server's snapshot so its hash no longer matches the
	// timestamp that names it.
	badSnap := f.snapshotDoc(t, 1, 1) + " " // different bytes, different hash
	mux := http.NewServeMux()
	mux.HandleFunc("/1.root.json", func(w http.ResponseWriter, r *http.Request) {
		raw, _, _ := f.store.LoadRoot(uptane.Director, 1)
		w.Write(raw)
	})
	mux.HandleFunc("/2.root.json", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	mux.HandleFunc("/timestamp.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.timestampDoc(t, 2, f.snapshotDoc(t, 1, 1))))
	})
	mux.HandleFunc("/snapshot.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(badSnap)) })
	f.server.Close()
	f.server = httptest.NewServer(mux)
	rf.Client = f.server.Client()
	rf.MetadataBaseURL = f.server.URL
	rf.TargetsBaseURL = f.server.URL
	defer f.server.Close()

	_, err := rf.Refresh(t.Context())
	require.Error(t, err)
	var merr *uptane.MetadataError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, uptane.SecurityException, merr.Kind())

	// Nothing from this cycle is persisted: Timestamp verified fine on
	// its own, but since Snapshot failed, storage must stay exactly at
	// its pre-fetch state so a retry re-attempts Snapshot rather than
	// seeing an already-stored Timestamp and short-circuiting to "no new
	// data".
	_, ok, err := f.store.LoadLatest(uptane.Director, uptane.RoleTimestamp)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.store.LoadLatest(uptane.Director, uptane.RoleSnapshot)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefresh_RetriesSnapshotAfterPriorCycleFailed(t *testing.T) {
	f, rf := setupFixture(t, 1, 2)
	defer f.server.Close()

	badSnap := f.snapshotDoc(t, 1, 1) + " "
	goodTSForBadSnap := f.timestampDoc(t, 2, f.snapshotDoc(t, 1, 1))

	serving := badSnap
	mux := http.NewServeMux()
	mux.HandleFunc("/1.root.json", func(w http.ResponseWriter, r *http.Request) {
		raw, _, _ := f.store.LoadRoot(uptane.Director, 1)
		w.Write(raw)
	})
	mux.HandleFunc("/2.root.json", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	mux.HandleFunc("/timestamp.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(goodTSForBadSnap))
	})
	mux.HandleFunc("/snapshot.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(serving)) })
	f.server.Close()
	f.server = httptest.NewServer(mux)
	rf.Client = f.server.Client()
	rf.MetadataBaseURL = f.server.URL
	rf.TargetsBaseURL = f.server.URL
	defer f.server.Close()

	_, err := rf.Refresh(t.Context())
	require.Error(t, err)

	// Server recovers: now serves a snapshot whose hash actually matches
	// the timestamp it already offered. Since nothing was persisted on
	// the failed cycle, VerifyTimestamp sees no stored version and this
	// retry re-verifies Timestamp, Snapshot, and Targets from scratch.
	serving = f.snapshotDoc(t, 1, 1)
	mux.HandleFunc("/targets.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.targetsDoc(t, 1)))
	})

	result, err := rf.Refresh(t.Context())
	require.NoError(t, err)
	assert.False(t, result.NoNewData)
	assert.NotNil(t, result.Snapshot)
	assert.NotNil(t, result.Targets)

	_, ok, err := f.store.LoadLatest(uptane.Director, uptane.RoleSnapshot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDownloadTarget_HashMismatchFails(t *testing.T) {
	f, rf := setupFixture(t, 1, 2)
	defer f.server.Close()

	badTarget := uptane.Target{
		Filename: "firmware.bin",
		Length:   4,
		Hashes:   []uptane.Hash{{Algorithm: uptane.Sha256, Digest: "0000000000000000000000000000000000000000000000000000000000000000"}},
	}
	_, err := rf.DownloadTarget(t.Context(), badTarget)
	require.Error(t, err)
	var merr *uptane.MetadataError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, uptane.TargetHashMismatch, merr.Kind())
}

func TestDownloadTarget_Succeeds(t *testing.T) {
	f, rf := setupFixture(t, 1, 2)
	defer f.server.Close()

	target := uptane.Target{
		Filename: "firmware.bin",
		Length:   4,
		Hashes:   []uptane.Hash{{Algorithm: uptane.Sha256, Digest: strings.ToUpper("3a6eb0790f39ac87c94f3856b2dd2c5d110e6811602261a9a923d3bb23adc8b7")}},
	}
	content, err := rf.DownloadTarget(t.Context(), target)
	require.NoError(t, err)
	assert.Equal(t, "data", string(content))
}

// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/config"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/engine"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/installer"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/storage"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyPair/sign/envelope mirror internal/fetcher/fetcher_test.go's
// hand-signing helpers, duplicated here since test helpers aren't
// exported across packages.
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
	return hex.EncodeToString(ed25519.Sign(kp.priv, canon))
}

func envelope(t *testing.T, kp keyPair, signedJSON string) string {
	t.Helper()
	return fmt.Sprintf(`{"signed":%s,"signatures":[{"keyid":%q,"method":"ed25519","sig":%q}]}`,
		signedJSON, kp.pub.Id, sign(t, kp, signedJSON))
}

// repoKeys is one repository's full Root/Timestamp/Snapshot/Targets
// key set, used to build both the Director and the Image repository
// in repoFixture below.
type repoKeys struct {
	root, ts, snap, tgt keyPair
}

func newRepoKeys(t *testing.T) repoKeys {
	t.Helper()
	return repoKeys{root: newKeyPair(t), ts: newKeyPair(t), snap: newKeyPair(t), tgt: newKeyPair(t)}
}

func (k repoKeys) rootDoc(t *testing.T) string {
	t.Helper()
	signed := fmt.Sprintf(`{
		"_type": "root",
		"version": 1,
		"expires": "2030-01-01T00:00:00Z",
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
		k.root.pub.Id, k.root.pub.Encoded,
		k.ts.pub.Id, k.ts.pub.Encoded,
		k.snap.pub.Id, k.snap.pub.Encoded,
		k.tgt.pub.Id, k.tgt.pub.Encoded,
		k.root.pub.Id, k.ts.pub.Id, k.snap.pub.Id, k.tgt.pub.Id,
	)
	return envelope(t, k.root, signed)
}

// targetsDoc builds a single-target targets.json carrying the
// custom.ecuIdentifier/hardwareIdentifier fields a Director-side
// targets document names for cross-repository agreement.
func (k repoKeys) targetsDoc(t *testing.T, filename, content, ecuSerial, hwid string) string {
	t.Helper()
	hash := verifierSha256Upper(content)
	signed := fmt.Sprintf(`{"_type":"targets","version":1,"expires":"2030-01-01T00:00:00Z","targets":{%q:{"length":%d,"hashes":{"sha256":%q},"custom":{"ecuIdentifier":%q,"hardwareIdentifier":%q}}}}`,
		filename, len(content), hash, ecuSerial, hwid)
	return envelope(t, k.tgt, signed)
}

// imageTargetsDoc builds the Image repository's mirror of one target,
// omitting the custom field the Director alone carries.
func (k repoKeys) imageTargetsDoc(t *testing.T, filename, content string) string {
	t.Helper()
	hash := verifierSha256Upper(content)
	signed := fmt.Sprintf(`{"_type":"targets","version":1,"expires":"2030-01-01T00:00:00Z","targets":{%q:{"length":%d,"hashes":{"sha256":%q}}}}`,
		filename, len(content), hash)
	return envelope(t, k.tgt, signed)
}

func (k repoKeys) snapshotDoc(t *testing.T) string {
	t.Helper()
	signed := `{"_type":"snapshot","version":1,"expires":"2030-01-01T00:00:00Z","meta":{"targets.json":{"version":1}}}`
	return envelope(t, k.snap, signed)
}

func (k repoKeys) timestampDoc(t *testing.T, version int, snapRaw string) string {
	t.Helper()
	hash := verifierSha256Upper(snapRaw)
	signed := fmt.Sprintf(`{"_type":"timestamp","version":%d,"expires":"2030-01-01T00:00:00Z","meta":{"snapshot.json":{"version":1,"hashes":{"sha256":%q}}}}`, version, hash)
	return envelope(t, k.ts, signed)
}

func verifierSha256Upper(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%X", sum[:])
}

// fakePkgMgr scripts installer.PackageManager for engine tests.
type fakePkgMgr struct {
	installResult installer.Result
	installErr    error
	installed     []uptane.Target
}

func (m *fakePkgMgr) Install(ctx context.Context, target uptane.Target, content []byte) (installer.Result, error) {
	m.installed = append(m.installed, target)
	return m.installResult, m.installErr
}

func (m *fakePkgMgr) FinalizeInstall(ctx context.Context, target uptane.Target) (installer.Result, error) {
	return installer.ResultInstalled, nil
}

// testEnv wires a full Director+Image HTTP backend and an Engine
// pointed at it, exercising a "happy path, single Primary" scenario
// end to end.
type testEnv struct {
	dirKeys, imgKeys     repoKeys
	dirServer, imgServer *httptest.Server
	store                storage.Store
	pkgMgr               *fakePkgMgr
	eng                  *engine.Engine
	manifestReceived     []byte
}

const firmwareContent = "firmware-bytes"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		dirKeys: newRepoKeys(t),
		imgKeys: newRepoKeys(t),
		pkgMgr:  &fakePkgMgr{installResult: installer.ResultInstalled},
	}

	dirTargets := env.dirKeys.targetsDoc(t, "firmware.bin", firmwareContent, "p1", "hw-p1")
	dirSnap := env.dirKeys.snapshotDoc(t)
	dirTS := env.dirKeys.timestampDoc(t, 2, dirSnap)
	dirRoot := env.dirKeys.rootDoc(t)

	dirMux := http.NewServeMux()
	dirMux.HandleFunc("/1.root.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(dirRoot)) })
	dirMux.HandleFunc("/2.root.json", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	dirMux.HandleFunc("/timestamp.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(dirTS)) })
	dirMux.HandleFunc("/snapshot.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(dirSnap)) })
	dirMux.HandleFunc("/targets.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(dirTargets)) })
	dirMux.HandleFunc("/firmware.bin", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(firmwareContent)) })
	dirMux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		env.manifestReceived = body
		w.WriteHeader(http.StatusOK)
	})
	env.dirServer = httptest.NewServer(dirMux)

	imgTargets := env.imgKeys.imageTargetsDoc(t, "firmware.bin", firmwareContent)
	imgSnap := env.imgKeys.snapshotDoc(t)
	imgTS := env.imgKeys.timestampDoc(t, 1, imgSnap)
	imgRoot := env.imgKeys.rootDoc(t)

	imgMux := http.NewServeMux()
	imgMux.HandleFunc("/1.root.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(imgRoot)) })
	imgMux.HandleFunc("/2.root.json", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	imgMux.HandleFunc("/timestamp.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(imgTS)) })
	imgMux.HandleFunc("/snapshot.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(imgSnap)) })
	imgMux.HandleFunc("/targets.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(imgTargets)) })
	imgMux.HandleFunc("/firmware.bin", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(firmwareContent)) })
	env.imgServer = httptest.NewServer(imgMux)

	fs := afero.NewMemMapFs()
	store, err := storage.NewFileStore(fs, "/var/lib/vua")
	require.NoError(t, err)
	require.NoError(t, store.StoreRoot(uptane.Director, 1, []byte(dirRoot)))
	require.NoError(t, store.StoreRoot(uptane.Image, 1, []byte(imgRoot)))
	require.NoError(t, store.StoreEcuSerials([]uptane.EcuRecord{
		{Serial: "p1", HardwareId: "hw-p1", Role: uptane.Primary},
	}))
	env.store = store

	cfg := &config.Config{
		DeviceID: "device-1",
		Director: config.Repository{MetadataURL: env.dirServer.URL, TargetsURL: env.dirServer.URL},
		Image:    config.Repository{MetadataURL: env.imgServer.URL, TargetsURL: env.imgServer.URL},
		Mode:     "Manual",
	}

	env.eng = engine.New(cfg, store, http.DefaultClient, env.pkgMgr)
	require.NoError(t, env.eng.Initialize(context.Background()))
	return env
}

func (env *testEnv) close() {
	env.dirServer.Close()
	env.imgServer.Close()
	env.eng.Shutdown()
}

func TestEngine_CheckUpdates_FindsAgreedTarget(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	result, err := env.eng.CheckUpdates(context.Background())
	require.NoError(t, err)
	assert.True(t, result.UpdatesAvailable)
	require.Len(t, result.Targets, 1)
	assert.Equal(t, "firmware.bin", result.Targets[0].Filename)
}

func TestEngine_CheckUpdates_RejectsHwidMismatch(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	// Director names a target for p1 but with a hwid that disagrees
	// with the registered one ("hw-p1"); cross-repo agreement must
	// reject it rather than silently accepting on serial alone.
	badTargets := env.dirKeys.targetsDoc(t, "firmware.bin", firmwareContent, "p1", "hw-WRONG")
	mux := http.NewServeMux()
	dirRoot, _, _ := env.store.LoadRoot(uptane.Director, 1)
	mux.HandleFunc("/1.root.json", func(w http.ResponseWriter, r *http.Request) { w.Write(dirRoot) })
	mux.HandleFunc("/2.root.json", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	dirSnap := env.dirKeys.snapshotDoc(t)
	mux.HandleFunc("/timestamp.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(env.dirKeys.timestampDoc(t, 2, dirSnap)))
	})
	mux.HandleFunc("/snapshot.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(dirSnap)) })
	mux.HandleFunc("/targets.json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(badTargets)) })
	env.dirServer.Close()
	env.dirServer = httptest.NewServer(mux)

	cfg := &config.Config{
		DeviceID: "device-1",
		Director: config.Repository{MetadataURL: env.dirServer.URL, TargetsURL: env.dirServer.URL},
		Image:    config.Repository{MetadataURL: env.imgServer.URL, TargetsURL: env.imgServer.URL},
		Mode:     "Manual",
	}
	env.eng.Shutdown()
	env.eng = engine.New(cfg, env.store, http.DefaultClient, env.pkgMgr)

	result, err := env.eng.CheckUpdates(context.Background())
	require.NoError(t, err)
	assert.False(t, result.UpdatesAvailable)
	assert.Empty(t, result.Targets)
}

func TestEngine_FullCycle_DownloadInstallManifest(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	checkResult, err := env.eng.CheckUpdates(context.Background())
	require.NoError(t, err)
	require.True(t, checkResult.UpdatesAvailable)

	dlResult, err := env.eng.Download(context.Background(), checkResult.Targets)
	require.NoError(t, err)
	assert.Empty(t, dlResult.Failed)
	require.Len(t, dlResult.Succeeded, 1)

	installResult, err := env.eng.Install(context.Background(), checkResult.Targets)
	require.NoError(t, err)
	assert.Empty(t, installResult.Failed)
	assert.False(t, installResult.RebootRequired)
	assert.Len(t, env.pkgMgr.installed, 1)

	log, err := env.eng.GetInstallationLog("p1")
	require.NoError(t, err)
	require.Len(t, log, 1)

	sent, err := env.eng.SendManifest(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.NotEmpty(t, env.manifestReceived)
	assert.Contains(t, string(env.manifestReceived), `"ecu_serial":"p1"`)
}

func TestEngine_Install_NeedsCompletionSetsRebootRequired(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.pkgMgr.installResult = installer.ResultNeedCompletion

	checkResult, err := env.eng.CheckUpdates(context.Background())
	require.NoError(t, err)
	_, err = env.eng.Download(context.Background(), checkResult.Targets)
	require.NoError(t, err)

	installResult, err := env.eng.Install(context.Background(), checkResult.Targets)
	require.NoError(t, err)
	assert.True(t, installResult.RebootRequired)
}

func TestEngine_Download_HashMismatchFailsOnlyThatTarget(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	bad := uptane.Target{
		Filename: "firmware.bin",
		Hashes:   []uptane.Hash{{Algorithm: uptane.Sha256, Digest: "0000000000000000000000000000000000000000000000000000000000000000"[:64]}},
		Length:   uint64(len(firmwareContent)),
	}
	result, err := env.eng.Download(context.Background(), []uptane.Target{bad})
	require.NoError(t, err)
	assert.Empty(t, result.Succeeded)
	assert.Len(t, result.Failed, 1)
}

func TestEngine_Initialize_IsIdempotentAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	// Initialize was already called once in newTestEnv; calling again
	// (simulating a process restart) must not fail or reprovision.
	require.NoError(t, env.eng.Initialize(context.Background()))
	info, err := env.eng.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "device-1", info.DeviceID)
}

// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package engine is the root-owned struct that holds Storage, the
// HTTP client, SecondaryRegistry, and Orchestrator directly, with
// Secondaries kept in a map indexed by ECU serial rather than
// back-pointers. It exposes the public API the device agent runs on.
package engine

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/apiqueue"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/config"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/fetcher"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/httpclient"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/installer"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/orchestrator"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/secondary"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/storage"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/verifier"
)

var log = logger.Logger()

// UpdateCheckResult is CheckUpdates' outcome.
type UpdateCheckResult struct {
	UpdatesAvailable bool
	Targets          []uptane.Target
}

// DownloadResult is Download's outcome.
type DownloadResult struct {
	Succeeded []uptane.Target
	Failed    map[string]error
}

// InstallResult is Install's outcome.
type InstallResult struct {
	RebootRequired bool
	Failed         map[uptane.EcuSerial]error
}

// DeviceInfo is the read-only introspection surface, folded into
// Engine.Info() rather than a separate introspection binary.
type DeviceInfo struct {
	DeviceID         string
	Ecus             []uptane.EcuRecord
	// LastManifestSent is not populated by Info and is always false.
	LastManifestSent bool
	InstallationLog  map[uptane.EcuSerial][]uptane.InstallationLogEntry
}

// Engine ties every component together. Construct via New, register
// Secondaries with AddSecondary, then call Initialize before any
// other operation.
type Engine struct {
	Config    *config.Config
	Store     storage.Store
	Verifier  *verifier.Verifier
	Director  *fetcher.RepositoryFetcher
	ImageRepo *fetcher.RepositoryFetcher

	Registry   *secondary.Registry
	Dispatcher *secondary.Dispatcher
	Installer  *installer.Installer
	Queue      *apiqueue.Queue
	Orch       *orchestrator.Orchestrator

	eventHandler func(orchestrator.Event)
	initialized  bool

	mu          sync.Mutex
	lastTargets []uptane.Target               // most recent accepted Director targets, for Secondary dispatch
	lastHwids   map[string]uptane.HardwareId // filename -> custom.hardwareIdentifier, for Secondary eligibility
}

// New wires every component from cfg, store, and an HTTP transport,
// without touching the network; call Initialize to provision/validate
// the device.
func New(cfg *config.Config, store storage.Store, client httpclient.HTTPDoer, pkgMgr installer.PackageManager) *Engine {
	v := verifier.New(nil, nil)

	director := fetcher.New(uptane.Director, cfg.Director.MetadataURL, cfg.Director.TargetsURL, client, store, v, cfg.DelegationMaxDepth)
	image := fetcher.New(uptane.Image, cfg.Image.MetadataURL, cfg.Image.TargetsURL, client, store, v, cfg.DelegationMaxDepth)

	registry := secondary.NewRegistry()
	inst := installer.New(store, pkgMgr)

	e := &Engine{
		Config:    cfg,
		Store:     store,
		Verifier:  v,
		Director:  director,
		ImageRepo: image,
		Registry:  registry,
		Installer: inst,
		Queue:     apiqueue.New(16, nil),
	}
	e.Dispatcher = &secondary.Dispatcher{
		Registry: registry,
		Resolve:  e.resolveSecondaryTarget,
		Fetch:    image.DownloadTarget,
		Verify:   e.verifySecondaryManifest,
		Store:    e.Store,
	}
	e.Orch = orchestrator.New(orchestrator.Mode(cfg.Mode), orchestrator.Operations{
		SendDeviceData: e.sendDeviceDataImpl,
		FetchMeta:      e.fetchMeta,
		Download:       e.downloadAll,
		Install:        e.installAll,
		SendManifest:   func(ctx context.Context) error { _, err := e.sendManifestImpl(ctx, nil); return err },
	}, e.emit, cfg.PollingInterval)
	e.Queue.SetHandler(e.dispatchCommand)
	go e.Queue.Run(context.Background())
	return e
}

// dispatchCommand is the apiqueue.Handler that routes every externally
// submitted command to its implementation, keeping the orchestrator's
// own FSM-driven calls (Operations above) off the queue:
// the queue mediates explicit API invocations, not the engine's
// internal polling cycle.
func (e *Engine) dispatchCommand(ctx context.Context, cmd *apiqueue.Command) apiqueue.Result {
	switch cmd.Kind {
	case apiqueue.KindCheckUpdates:
		v, err := e.checkUpdatesImpl(ctx)
		return apiqueue.Result{Value: v, Err: err}
	case apiqueue.KindDownload:
		targets, _ := cmd.Args.([]uptane.Target)
		v, err := e.downloadImpl(ctx, targets)
		return apiqueue.Result{Value: v, Err: err}
	case apiqueue.KindInstall:
		targets, _ := cmd.Args.([]uptane.Target)
		v, err := e.installImpl(ctx, targets)
		return apiqueue.Result{Value: v, Err: err}
	case apiqueue.KindSendManifest:
		custom, _ := cmd.Args.([]byte)
		ok, err := e.sendManifestImpl(ctx, custom)
		return apiqueue.Result{Value: ok, Err: err}
	case apiqueue.KindSendDeviceData:
		err := e.sendDeviceDataImpl(ctx)
		return apiqueue.Result{Err: err}
	case apiqueue.KindUptaneCycle:
		v, err := e.uptaneCycleImpl(ctx)
		return apiqueue.Result{Value: v, Err: err}
	default:
		return apiqueue.Result{Err: fmt.Errorf("engine: unknown command kind %v", cmd.Kind)}
	}
}

// submit enqueues kind/args on the command queue and blocks for its
// result; ctx cancellation unblocks the caller but does not remove the
// command from the queue (Abort does that).
func (e *Engine) submit(ctx context.Context, kind apiqueue.Kind, args any) (apiqueue.Result, error) {
	done, _ := e.Queue.Submit(kind, args)
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return apiqueue.Result{}, ctx.Err()
	}
}

func (e *Engine) emit(ev orchestrator.Event) {
	if e.eventHandler != nil {
		e.eventHandler(ev)
	}
}

// SetEventHandler installs the single observer sink.
func (e *Engine) SetEventHandler(fn func(orchestrator.Event)) {
	e.eventHandler = fn
}

// AddSecondary registers a Secondary; only valid before Initialize.
func (e *Engine) AddSecondary(serial uptane.EcuSerial, ecu secondary.ECU) error {
	if e.initialized {
		return fmt.Errorf("engine: AddSecondary called after Initialize")
	}
	e.Registry.Add(serial, ecu)
	return nil
}

// Initialize provisions device identity if absent, reads the stored
// ECU roster, and finalizes any install left PendingReboot across a
// restart, so it is idempotent and safe to call again after a crash.
// It does not contact the Director: no registration request is sent
// and ECU registration is not checked.
func (e *Engine) Initialize(ctx context.Context) error {
	if _, ok, err := e.Store.DeviceId(); err != nil {
		return uptane.NewError(uptane.Storage, "checking device id", err)
	} else if !ok {
		if err := e.Store.SetDeviceId(e.Config.DeviceID); err != nil {
			return err
		}
	}

	records, err := e.Store.EcuSerials()
	if err != nil {
		return err
	}
	serials := make([]uptane.EcuSerial, 0, len(records))
	for _, r := range records {
		serials = append(serials, r.Serial)
	}
	if err := e.Installer.FinalizeAll(ctx, serials); err != nil {
		return err
	}

	e.initialized = true
	return nil
}

// RunForever starts the orchestrator's polling loop and blocks until
// ctx is cancelled or Shutdown is called.
func (e *Engine) RunForever(ctx context.Context) error {
	if orchestrator.Mode(e.Config.Mode) == orchestrator.ModeManual {
		<-ctx.Done()
		return nil
	}
	if err := e.Orch.StartPolling(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Orch.StopPolling()
	return nil
}

// Shutdown drains the command queue and stops polling.
func (e *Engine) Shutdown() {
	e.Orch.StopPolling()
	e.Queue.Shutdown()
}

// Pause/Resume/Abort forward to the command queue.
func (e *Engine) Pause()  { e.Queue.Pause() }
func (e *Engine) Resume() { e.Queue.Resume() }
func (e *Engine) Abort()  { e.Queue.Abort() }

// UptaneCycle runs one synchronous Full-mode cycle through the command
// queue, returning false iff a reboot is required before continuation.
func (e *Engine) UptaneCycle(ctx context.Context) (bool, error) {
	res, err := e.submit(ctx, apiqueue.KindUptaneCycle, nil)
	if err != nil {
		return false, err
	}
	if res.Cancelled {
		return false, context.Canceled
	}
	if res.Err != nil {
		return false, res.Err
	}
	v, _ := res.Value.(bool)
	return v, nil
}

func (e *Engine) uptaneCycleImpl(ctx context.Context) (bool, error) {
	if err := e.Orch.RunOnce(ctx); err != nil {
		return false, err
	}
	for _, serial := range e.Registry.Serials() {
		if e.Installer.State(serial) == installer.PendingReboot {
			return false, nil
		}
	}
	if serial, ok, err := e.primarySerial(); err == nil && ok && e.Installer.State(serial) == installer.PendingReboot {
		return false, nil
	}
	return true, nil
}

// CheckUpdates fetches and verifies the latest Director/Image metadata
// and reports whether new targets are available; it is dispatched
// through the command queue.
func (e *Engine) CheckUpdates(ctx context.Context) (UpdateCheckResult, error) {
	res, err := e.submit(ctx, apiqueue.KindCheckUpdates, nil)
	if err != nil {
		return UpdateCheckResult{}, err
	}
	if res.Cancelled {
		return UpdateCheckResult{}, context.Canceled
	}
	if res.Err != nil {
		return UpdateCheckResult{}, res.Err
	}
	v, _ := res.Value.(UpdateCheckResult)
	return v, nil
}

func (e *Engine) checkUpdatesImpl(ctx context.Context) (UpdateCheckResult, error) {
	available, targets, err := e.fetchMeta(ctx)
	if err != nil {
		return UpdateCheckResult{}, err
	}
	return UpdateCheckResult{UpdatesAvailable: available, Targets: targets}, nil
}

// fetchMeta retries the whole metadata-refresh cycle with capped
// exponential backoff when it fails with a transient Network error,
// at the outer loop only; any verification/security error is returned
// immediately, never retried.
func (e *Engine) fetchMeta(ctx context.Context) (bool, []uptane.Target, error) {
	var available bool
	var targets []uptane.Target
	err := httpclient.RetryOuterLoop(ctx, 5, isNetworkErr, func() error {
		a, t, err := e.fetchMetaOnce(ctx)
		available, targets = a, t
		return err
	})
	return available, targets, err
}

func isNetworkErr(err error) bool {
	type kinder interface{ Kind() uptane.ErrorKind }
	k, ok := err.(kinder)
	return ok && k.Kind() == uptane.Network
}

func (e *Engine) fetchMetaOnce(ctx context.Context) (bool, []uptane.Target, error) {
	dirResult, err := e.Director.Refresh(ctx)
	if err != nil {
		return false, nil, err
	}
	if dirResult.NoNewData {
		return false, nil, nil
	}
	imgResult, err := e.ImageRepo.Refresh(ctx)
	if err != nil {
		return false, nil, err
	}

	lookupImage := func(filename string) (uptane.Target, bool) {
		if imgResult.Targets == nil {
			return uptane.Target{}, false
		}
		return imgResult.Targets.Find(filename)
	}

	var accepted []uptane.Target
	hwids := make(map[string]uptane.HardwareId, len(dirResult.Targets.Items))
	for _, t := range dirResult.Targets.Items {
		storedHwid, err := e.ecuHardwareId(uptane.EcuSerial(t.EcuIdentifier))
		if err != nil {
			log.Warnf("target %s: looking up owning ECU: %v", t.Filename, err)
			continue
		}
		directorHwid, _ := dirResult.Targets.HardwareIdentifierFor(t.Filename)
		if err := verifier.VerifyTargetAgreement(t, directorHwid, storedHwid, lookupImage); err != nil {
			log.Warnf("target %s failed cross-repo agreement: %v", t.Filename, err)
			continue
		}
		accepted = append(accepted, t)
		hwids[t.Filename] = directorHwid
	}

	e.mu.Lock()
	e.lastTargets = accepted
	e.lastHwids = hwids
	e.mu.Unlock()

	return len(accepted) > 0, accepted, nil
}

// ecuHardwareId looks up the registered hardware ID for the ECU a
// target targets, returning "" (matches anything) if the ECU is
// unregistered.
func (e *Engine) ecuHardwareId(serial uptane.EcuSerial) (uptane.HardwareId, error) {
	records, err := e.Store.EcuSerials()
	if err != nil {
		return "", err
	}
	for _, r := range records {
		if r.Serial == serial {
			return r.HardwareId, nil
		}
	}
	return "", nil
}

// Download fetches and verifies the binary content for each target,
// storing it content-addressed; a hash mismatch fails only that
// target. Dispatched through the command queue so Pause/Abort apply.
func (e *Engine) Download(ctx context.Context, targets []uptane.Target) (DownloadResult, error) {
	res, err := e.submit(ctx, apiqueue.KindDownload, targets)
	if err != nil {
		return DownloadResult{}, err
	}
	if res.Cancelled {
		return DownloadResult{}, context.Canceled
	}
	if res.Err != nil {
		return DownloadResult{}, res.Err
	}
	v, _ := res.Value.(DownloadResult)
	return v, nil
}

func (e *Engine) downloadImpl(ctx context.Context, targets []uptane.Target) (DownloadResult, error) {
	result := DownloadResult{Failed: map[string]error{}}
	for _, t := range targets {
		content, err := e.Director.DownloadTarget(ctx, t)
		if err != nil {
			result.Failed[t.Filename] = err
			continue
		}
		if err := e.Store.StoreTargetContent(t, content); err != nil {
			result.Failed[t.Filename] = err
			continue
		}
		result.Succeeded = append(result.Succeeded, t)
	}
	return result, nil
}

func (e *Engine) downloadAll(ctx context.Context, targets []uptane.Target) error {
	result, err := e.downloadImpl(ctx, targets)
	if err != nil {
		return err
	}
	if len(result.Failed) > 0 && len(result.Succeeded) == 0 {
		for _, err := range result.Failed {
			return err
		}
	}
	return nil
}

// Install installs each downloaded target owned by the Primary via
// Installer. Targets of registered Secondaries are skipped here; they
// reach their ECU through Dispatcher.DispatchAll during SendManifest.
// Dispatched through the command queue.
func (e *Engine) Install(ctx context.Context, targets []uptane.Target) (InstallResult, error) {
	res, err := e.submit(ctx, apiqueue.KindInstall, targets)
	if err != nil {
		return InstallResult{}, err
	}
	if res.Cancelled {
		return InstallResult{}, context.Canceled
	}
	if res.Err != nil {
		return InstallResult{}, res.Err
	}
	v, _ := res.Value.(InstallResult)
	return v, nil
}

func (e *Engine) installImpl(ctx context.Context, targets []uptane.Target) (InstallResult, error) {
	result := InstallResult{Failed: map[uptane.EcuSerial]error{}}
	for _, t := range targets {
		if _, ok := e.Registry.Get(uptane.EcuSerial(t.EcuIdentifier)); ok {
			continue // sent to the Secondary by SendManifest's DispatchAll
		}
		content, err := e.openStoredTargetBytes(t)
		if err != nil {
			result.Failed[uptane.EcuSerial(t.EcuIdentifier)] = err
			continue
		}
		installResult, err := e.Installer.Install(ctx, uptane.EcuSerial(t.EcuIdentifier), t, content)
		if err != nil {
			result.Failed[uptane.EcuSerial(t.EcuIdentifier)] = err
			continue
		}
		if installResult == installer.ResultNeedCompletion {
			result.RebootRequired = true
		}
	}
	return result, nil
}

func (e *Engine) installAll(ctx context.Context, targets []uptane.Target) error {
	_, err := e.installImpl(ctx, targets)
	return err
}

func (e *Engine) openStoredTargetBytes(t uptane.Target) ([]byte, error) {
	rc, err := e.Store.OpenStoredTarget(t)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// SendDeviceData runs the device-data step through the command queue.
// The step sends nothing to the backend; see sendDeviceDataImpl.
func (e *Engine) SendDeviceData(ctx context.Context) error {
	res, err := e.submit(ctx, apiqueue.KindSendDeviceData, nil)
	if err != nil {
		return err
	}
	if res.Cancelled {
		return context.Canceled
	}
	return res.Err
}

// sendDeviceDataImpl is a no-op: it returns nil without collecting
// hardware info or contacting the backend.
func (e *Engine) sendDeviceDataImpl(ctx context.Context) error {
	return nil
}

// SendManifest aggregates every ECU's signed manifest (dispatching
// metadata and firmware to Secondaries as needed) and PUTs the
// aggregated device manifest to the Director, reporting whether it
// was accepted. Dispatched through the command queue.
func (e *Engine) SendManifest(ctx context.Context, custom []byte) (bool, error) {
	res, err := e.submit(ctx, apiqueue.KindSendManifest, custom)
	if err != nil {
		return false, err
	}
	if res.Cancelled {
		return false, context.Canceled
	}
	if res.Err != nil {
		return false, res.Err
	}
	v, _ := res.Value.(bool)
	return v, nil
}

func (e *Engine) sendManifestImpl(ctx context.Context, custom []byte) (bool, error) {
	pack := e.buildMetaPack()
	manifests, err := e.Dispatcher.DispatchAll(ctx, pack)
	if err != nil {
		return false, err
	}

	primary, err := e.primaryManifest()
	if err != nil {
		log.Warnf("building primary manifest: %v", err)
	} else {
		manifests = append([]secondary.EcuManifest{primary}, manifests...)
	}
	log.Infof("aggregated %d ecu manifests", len(manifests))

	body, err := aggregateManifest(manifests, custom)
	if err != nil {
		return false, err
	}
	return e.putManifest(ctx, body)
}

// buildMetaPack loads the metadata most recently stored by the
// fetchers so it can be forwarded to Secondaries verbatim, in the
// required order: Root before the rest, before firmware.
func (e *Engine) buildMetaPack() secondary.MetaPack {
	latest := func(rf *fetcher.RepositoryFetcher, role uptane.RoleKind) []byte {
		raw, ok, err := e.Store.LoadLatest(rf.Repo, role)
		if err != nil || !ok {
			return nil
		}
		return raw
	}
	director := func(role uptane.RoleKind) []byte { return latest(e.Director, role) }
	image := func(role uptane.RoleKind) []byte { return latest(e.ImageRepo, role) }
	return secondary.MetaPack{
		DirectorRoot:    director(uptane.RoleRoot),
		DirectorTargets: director(uptane.RoleTargets),
		ImageRoot:       image(uptane.RoleRoot),
		ImageTimestamp:  image(uptane.RoleTimestamp),
		ImageSnapshot:   image(uptane.RoleSnapshot),
		ImageTargets:    image(uptane.RoleTargets),
	}
}

// aggregateManifest builds the device manifest body the backend
// expects: one entry per ECU, sorted lexicographically by ECU serial
// for reproducible manifest aggregation.
func aggregateManifest(manifests []secondary.EcuManifest, custom []byte) ([]byte, error) {
	sort.SliceStable(manifests, func(i, j int) bool { return manifests[i].Ecu < manifests[j].Ecu })
	type entry struct {
		Ecu    string `json:"ecu_serial"`
		Status int    `json:"status"`
		Raw    string `json:"raw_manifest,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	out := struct {
		Ecus   []entry `json:"ecu_version_manifests"`
		Custom string  `json:"custom,omitempty"`
	}{}
	for _, m := range manifests {
		e := entry{Ecu: string(m.Ecu), Status: int(m.Status), Raw: string(m.Raw)}
		if m.Err != nil {
			e.Error = m.Err.Error()
		}
		out.Ecus = append(out.Ecus, e)
	}
	if len(custom) > 0 {
		out.Custom = string(custom)
	}
	return json.Marshal(out)
}

func (e *Engine) putManifest(ctx context.Context, body []byte) (bool, error) {
	url := e.Config.Director.MetadataURL + "/manifest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return false, uptane.NewError(uptane.Network, "building manifest request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.Director.Client.Do(req)
	if err != nil {
		return false, uptane.NewError(uptane.Network, "sending device manifest", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// resolveSecondaryTarget matches serial/hwid against the most recently
// accepted Director targets: a Secondary is eligible only if its ECU
// serial owns a target and its reported hardware ID agrees with that
// target's custom field.
func (e *Engine) resolveSecondaryTarget(serial uptane.EcuSerial, hwid uptane.HardwareId) (uptane.Target, bool) {
	e.mu.Lock()
	targets := e.lastTargets
	hwids := e.lastHwids
	e.mu.Unlock()
	for _, t := range targets {
		if uptane.EcuSerial(t.EcuIdentifier) != serial {
			continue
		}
		if hwids[t.Filename] != hwid {
			return uptane.Target{}, false
		}
		return t, true
	}
	return uptane.Target{}, false
}

// primaryManifest builds and self-signs the Primary's own installation
// manifest, the counterpart to a Secondary's ECU.GetManifest() result,
// so the aggregated device manifest always reports the Primary's own
// install status alongside its Secondaries.
func (e *Engine) primaryManifest() (secondary.EcuManifest, error) {
	serial, ok, err := e.primarySerial()
	if err != nil {
		return secondary.EcuManifest{}, err
	}
	if !ok {
		return secondary.EcuManifest{}, fmt.Errorf("engine: no registered Primary ECU")
	}

	priv, err := e.primarySigningKey()
	if err != nil {
		return secondary.EcuManifest{}, err
	}

	entries, err := e.Store.InstalledVersions(serial)
	if err != nil {
		return secondary.EcuManifest{}, err
	}
	var installed *uptane.Target
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		if len(last.Targets) > 0 {
			installed = &last.Targets[len(last.Targets)-1]
		}
	}

	rawReport := ""
	if pending, ok, err := e.Store.Pending(serial); err == nil && ok && pending.HasReport {
		rawReport = pending.RawReport
		// The override applies to one manifest only: rewriting the
		// pending row keeps its target and drops the report.
		if err := e.Store.SetPending(serial, pending.Target); err != nil {
			log.Warnf("clearing raw report override for %s: %v", serial, err)
		}
	}

	body := struct {
		Ecu       uptane.EcuSerial `json:"ecu_serial"`
		Filename  string           `json:"installed_filename,omitempty"`
		RawReport string           `json:"raw_report,omitempty"`
	}{Ecu: serial, RawReport: rawReport}
	if installed != nil {
		body.Filename = installed.Filename
	}
	signedJSON, err := json.Marshal(body)
	if err != nil {
		return secondary.EcuManifest{}, err
	}
	canon, err := uptane.CanonicalJSON(signedJSON)
	if err != nil {
		return secondary.EcuManifest{}, err
	}
	sig := ed25519.Sign(priv, canon)
	keyId := uptane.DeriveKeyId(primaryKeyPEM(priv.Public().(ed25519.PublicKey)))

	raw, err := json.Marshal(manifestEnvelope{
		Signed: signedJSON,
		Signatures: []manifestSignature{
			{KeyId: keyId, Method: "ed25519", Sig: hex.EncodeToString(sig)},
		},
	})
	if err != nil {
		return secondary.EcuManifest{}, err
	}
	return secondary.EcuManifest{Ecu: serial, Raw: raw, Status: secondary.ManifestOK}, nil
}

type manifestSignature struct {
	KeyId  uptane.KeyId `json:"keyid"`
	Method string       `json:"method"`
	Sig    string       `json:"sig"`
}

type manifestEnvelope struct {
	Signed     json.RawMessage     `json:"signed"`
	Signatures []manifestSignature `json:"signatures"`
}

func (e *Engine) primarySerial() (uptane.EcuSerial, bool, error) {
	records, err := e.Store.EcuSerials()
	if err != nil {
		return "", false, err
	}
	for _, r := range records {
		if r.Role == uptane.Primary {
			return r.Serial, true, nil
		}
	}
	return "", false, nil
}

// primarySigningKey loads the Primary's own Uptane signing key,
// provisioning a fresh ed25519 keypair on first use. Device-credential
// bookkeeping covers TLS identity separately; this is the distinct
// Uptane ECU identity every registered ECU carries.
func (e *Engine) primarySigningKey() (ed25519.PrivateKey, error) {
	blob, ok, err := e.Store.PrimaryKeys()
	if err != nil {
		return nil, err
	}
	if ok && len(blob) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(blob), nil
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetPrimaryKeys(priv); err != nil {
		return nil, err
	}
	return priv, nil
}

func primaryKeyPEM(pub ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (e *Engine) verifySecondaryManifest(ecu uptane.EcuSerial, pub uptane.PublicKey, manifest []byte) error {
	canon, sigs, err := uptane.SignedEnvelope(manifest)
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		if uptane.KeyId(sig.KeyId) != pub.Id {
			continue
		}
		ok, err := e.Verifier.Crypto.Verify(pub, sig.Method, canon, []byte(sig.Sig))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("secondary manifest for %s: no valid signature by key %s", ecu, pub.Id)
}

// GetInstallationLog returns ecu's append-only installation log.
func (e *Engine) GetInstallationLog(ecu uptane.EcuSerial) ([]uptane.InstallationLogEntry, error) {
	return e.Store.InstalledVersions(ecu)
}

// GetStoredTargets lists target binaries currently on disk.
func (e *Engine) GetStoredTargets() ([]uptane.Target, error) {
	return e.Store.StoredTargets()
}

// DeleteStoredTarget removes a stored target's binary content.
func (e *Engine) DeleteStoredTarget(t uptane.Target) error {
	return e.Store.DeleteStoredTarget(t)
}

// OpenStoredTarget opens a stored target's binary content for reading.
func (e *Engine) OpenStoredTarget(t uptane.Target) (io.ReadCloser, error) {
	return e.Store.OpenStoredTarget(t)
}

// SetInstallationRawReport overrides the next manifest's raw report
// text for ecu. It returns false if ecu has no pending install; the
// override is included only in the Primary's own manifest.
func (e *Engine) SetInstallationRawReport(ecu uptane.EcuSerial, text string) (bool, error) {
	return e.Installer.SetRawReport(ecu, text)
}

// Info returns a read-only snapshot of device state, covering what a
// separate introspection binary would otherwise report.
func (e *Engine) Info(ctx context.Context) (DeviceInfo, error) {
	deviceID, _, err := e.Store.DeviceId()
	if err != nil {
		return DeviceInfo{}, err
	}
	ecus, err := e.Store.EcuSerials()
	if err != nil {
		return DeviceInfo{}, err
	}
	installLog := map[uptane.EcuSerial][]uptane.InstallationLogEntry{}
	for _, ecu := range ecus {
		entries, err := e.Store.InstalledVersions(ecu.Serial)
		if err != nil {
			return DeviceInfo{}, err
		}
		installLog[ecu.Serial] = entries
	}
	return DeviceInfo{DeviceID: deviceID, Ecus: ecus, InstallationLog: installLog}, nil
}

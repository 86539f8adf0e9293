// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package fetcher drives the per-repository Root rotation and
// top-down metadata refresh against the HTTP collaborator. On any
// verification failure the previously stored metadata is left
// untouched; the fetcher is retry-safe.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/httpclient"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/storage"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/verifier"
)

var log = logger.Logger()

// RepositoryFetcher drives one repository's (Director's or Image's)
// metadata refresh sequence: Root rotation, then Timestamp, Snapshot,
// and Targets in the standard top-down order.
type RepositoryFetcher struct {
	Repo               uptane.RepositoryKind
	MetadataBaseURL    string
	TargetsBaseURL     string
	Client             httpclient.HTTPDoer
	Store              storage.Store
	Verifier           *verifier.Verifier
	DelegationMaxDepth int
}

// New builds a RepositoryFetcher for one repository.
func New(repo uptane.RepositoryKind, metadataBaseURL, targetsBaseURL string, client httpclient.HTTPDoer, store storage.Store, v *verifier.Verifier, delegationMaxDepth int) *RepositoryFetcher {
	if delegationMaxDepth <= 0 {
		delegationMaxDepth = 5
	}
	return &RepositoryFetcher{
		Repo:               repo,
		MetadataBaseURL:    metadataBaseURL,
		TargetsBaseURL:     targetsBaseURL,
		Client:             client,
		Store:              store,
		Verifier:           v,
		DelegationMaxDepth: delegationMaxDepth,
	}
}

// RefreshResult is what one successful Refresh call produced.
type RefreshResult struct {
	Timestamp  *uptane.Timestamp
	Snapshot   *uptane.Snapshot
	Targets    *uptane.Targets
	NoNewData  bool // Timestamp version unchanged: nothing further to do
	Rotations  int
}

func (f *RepositoryFetcher) get(ctx context.Context, path string) ([]byte, error) {
	url := f.MetadataBaseURL + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, uptane.NewError(uptane.Network, "building request for "+url, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, uptane.NewError(uptane.Network, "requesting "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, uptane.NewError(uptane.Network, fmt.Sprintf("%s returned status %d", url, resp.StatusCode), nil)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, uptane.NewError(uptane.Network, "reading body from "+url, err)
	}
	return body, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "metadata file not found" }

var errNotFound notFoundError

// loadTrustedRoot returns the currently trusted Root, bootstrapping
// from storage. Callers must have stored an initial Root during
// device provisioning; an empty store is a Storage error here.
func (f *RepositoryFetcher) loadTrustedRoot() (*uptane.Root, error) {
	latest, err := f.Store.LatestRootVersion(f.Repo)
	if err != nil {
		return nil, err
	}
	if latest == uptane.AnyVersion {
		return nil, uptane.NewError(uptane.Storage, "no trusted root stored for "+f.Repo.String(), nil)
	}
	raw, ok, err := f.Store.LoadRoot(f.Repo, latest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, uptane.NewError(uptane.Storage, "stored root vanished", nil)
	}
	return uptane.ParseRoot(f.Repo, raw)
}

// refreshRoot performs root rotation: fetch "<N+1>.root.json"
// repeatedly until the server has nothing newer.
func (f *RepositoryFetcher) refreshRoot(ctx context.Context, trusted *uptane.Root) (*uptane.Root, int, error) {
	fetchVersion := func(v uptane.Version) ([]byte, bool, error) {
		raw, err := f.get(ctx, fmt.Sprintf("%d.root.json", v))
		if err == errNotFound {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return raw, true, nil
	}
	latest, rotations, err := f.Verifier.RotateRoot(trusted, f.Repo, fetchVersion)
	if err != nil {
		return trusted, rotations, err
	}
	for v := trusted.Version + 1; v <= latest.Version; v++ {
		raw, ok, loadErr := fetchVersion(v)
		if loadErr != nil || !ok {
			break
		}
		if err := f.Store.StoreRoot(f.Repo, v, raw); err != nil {
			return latest, rotations, err
		}
	}
	return latest, rotations, nil
}

// Refresh runs one full top-down metadata refresh cycle: Root
// rotation, Timestamp, Snapshot (if changed), and top-level Targets
// (if changed). Storing is deferred until Timestamp, Snapshot and
// Targets have all verified: on a failure at any step the error is
// returned and nothing fetched by this call is persisted.
func (f *RepositoryFetcher) Refresh(ctx context.Context) (*RefreshResult, error) {
	trusted, err := f.loadTrustedRoot()
	if err != nil {
		return nil, err
	}

	trusted, rotations, err := f.refreshRoot(ctx, trusted)
	if err != nil {
		return nil, err
	}

	storedTimestampRaw, hasStoredTimestamp, err := f.Store.LoadLatest(f.Repo, uptane.RoleTimestamp)
	if err != nil {
		return nil, err
	}
	storedTimestampVersion := uptane.AnyVersion
	if hasStoredTimestamp {
		storedTS, err := uptane.ParseTimestamp(f.Repo, storedTimestampRaw)
		if err == nil {
			storedTimestampVersion = storedTS.Version
		}
	}

	tsRaw, err := f.get(ctx, "timestamp.json")
	if err != nil {
		return nil, err
	}
	ts, err := f.Verifier.VerifyTimestamp(trusted, f.Repo, tsRaw, storedTimestampVersion)
	if err != nil {
		return nil, err
	}

	if hasStoredTimestamp && storedTimestampVersion == ts.Version {
		log.Debugf("%s: timestamp unchanged at version %d, nothing new", f.Repo, ts.Version)
		return &RefreshResult{Timestamp: ts, NoNewData: true, Rotations: rotations}, nil
	}

	snapRaw, err := f.get(ctx, "snapshot.json")
	if err != nil {
		return nil, err
	}
	snap, err := f.Verifier.VerifySnapshot(trusted, f.Repo, snapRaw, ts)
	if err != nil {
		return nil, err
	}

	targetsRaw, err := f.get(ctx, "targets.json")
	if err != nil {
		return nil, err
	}
	keys := trusted.KeysFor(uptane.RoleTargets)
	keyMap := make(map[uptane.KeyId]uptane.PublicKey, len(keys))
	for _, k := range keys {
		keyMap[k.Id] = k
	}
	targets, err := f.Verifier.VerifyTargets(f.Repo, "targets", targetsRaw, keyMap, trusted.Thresholds[uptane.RoleTargets], snap)
	if err != nil {
		return nil, err
	}

	// Every document in this cycle verified; persist all three together
	// so a mid-chain failure never leaves storage holding a Timestamp
	// whose Snapshot/Targets were never fetched. A failed step must
	// leave the storage in the pre-fetch state.
	if err := f.Store.StoreLatest(f.Repo, uptane.RoleTimestamp, tsRaw); err != nil {
		return nil, err
	}
	if err := f.Store.StoreLatest(f.Repo, uptane.RoleSnapshot, snapRaw); err != nil {
		return nil, err
	}
	if err := f.Store.StoreLatest(f.Repo, uptane.RoleTargets, targetsRaw); err != nil {
		return nil, err
	}

	return &RefreshResult{Timestamp: ts, Snapshot: snap, Targets: targets, Rotations: rotations}, nil
}

// DownloadTarget fetches a verified target's binary content with one
// plain GET; no Range header is sent, so an interrupted download starts
// over. The content is verified against length and hashes afterwards.
func (f *RepositoryFetcher) DownloadTarget(ctx context.Context, target uptane.Target) ([]byte, error) {
	url := f.TargetsBaseURL + "/" + target.Filename
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, uptane.NewError(uptane.Network, "building target request", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, uptane.NewError(uptane.Network, "downloading "+target.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, uptane.NewError(uptane.Network, fmt.Sprintf("%s returned status %d", url, resp.StatusCode), nil)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, int64(target.Length)+1))
	if err != nil {
		return nil, uptane.NewError(uptane.Network, "reading target body", err)
	}
	if err := verifier.VerifyTargetDigest(content, target); err != nil {
		return nil, err
	}
	return content, nil
}

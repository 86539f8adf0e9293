// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
	"github.com/spf13/afero"
)

var log = logger.Logger()

// FileStore is the production Store, backed by an afero filesystem.
// Every write goes through a temp-file-then-rename sequence so a crash
// mid-write never leaves a torn file behind.
type FileStore struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// NewFileStore opens (creating if absent) a FileStore rooted at root
// on fs. Passing afero.NewOsFs() gives real disk persistence;
// afero.NewMemMapFs() gives the in-memory variant tests use.
func NewFileStore(fs afero.Fs, root string) (*FileStore, error) {
	for _, dir := range []string{"roots/director", "roots/image", "latest/director", "latest/image", "pending", "installed", "targets"} {
		if err := fs.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, uptane.NewError(uptane.Storage, "creating storage layout", err)
		}
	}
	return &FileStore{fs: fs, root: root}, nil
}

func repoDir(repo uptane.RepositoryKind) string {
	return repo.String()
}

// atomicWrite writes data to path by first writing to a sibling temp
// file, then renaming it into place; renames are atomic on the
// underlying filesystem.
func (s *FileStore) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return uptane.NewError(uptane.Storage, "creating parent directory", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, ".tmp-*")
	if err != nil {
		return uptane.NewError(uptane.Storage, "creating temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return uptane.NewError(uptane.Storage, "writing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return uptane.NewError(uptane.Storage, "closing temp file", err)
	}
	if err := s.fs.Rename(tmpName, path); err != nil {
		s.fs.Remove(tmpName)
		return uptane.NewError(uptane.Storage, "renaming into place", err)
	}
	return nil
}

func (s *FileStore) readFile(path string) ([]byte, bool, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, uptane.NewError(uptane.Storage, "reading "+path, err)
	}
	return data, true, nil
}

func (s *FileStore) readJSON(path string, out interface{}) (bool, error) {
	data, ok, err := s.readFile(path)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, uptane.NewError(uptane.Storage, "decoding "+path, err)
	}
	return true, nil
}

func (s *FileStore) writeJSON(path string, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return uptane.NewError(uptane.Storage, "encoding "+path, err)
	}
	return s.atomicWrite(path, data)
}

func (s *FileStore) LoadRoot(repo uptane.RepositoryKind, version uptane.Version) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, "roots", repoDir(repo), fmt.Sprintf("%d.json", version))
	return s.readFile(path)
}

func (s *FileStore) StoreRoot(repo uptane.RepositoryKind, version uptane.Version, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, "roots", repoDir(repo), fmt.Sprintf("%d.json", version))
	return s.atomicWrite(path, raw)
}

func (s *FileStore) LatestRootVersion(repo uptane.RepositoryKind) (uptane.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, "roots", repoDir(repo))
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return uptane.AnyVersion, uptane.NewError(uptane.Storage, "listing "+dir, err)
	}
	best := uptane.AnyVersion
	for _, e := range entries {
		var v int64
		name := e.Name()
		if _, err := fmt.Sscanf(name, "%d.json", &v); err != nil {
			continue
		}
		if uptane.Version(v) > best {
			best = uptane.Version(v)
		}
	}
	return best, nil
}

func (s *FileStore) LoadLatest(repo uptane.RepositoryKind, role uptane.RoleKind) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, "latest", repoDir(repo), role.String()+".json")
	return s.readFile(path)
}

func (s *FileStore) StoreLatest(repo uptane.RepositoryKind, role uptane.RoleKind, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, "latest", repoDir(repo), role.String()+".json")
	return s.atomicWrite(path, raw)
}

func (s *FileStore) EcuSerials() ([]uptane.EcuRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []uptane.EcuRecord
	path := filepath.Join(s.root, "ecus.json")
	if _, err := s.readJSON(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *FileStore) StoreEcuSerials(records []uptane.EcuRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, "ecus.json")
	if _, exists, _ := s.readFile(path); exists {
		log.Warnln("ecu serials already stored; overwriting is only valid before Initialize completes")
	}
	return s.writeJSON(path, records)
}

func (s *FileStore) pendingPath(ecu uptane.EcuSerial) string {
	return filepath.Join(s.root, "pending", string(ecu)+".json")
}

func (s *FileStore) Pending(ecu uptane.EcuSerial) (*uptane.PendingInstall, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p uptane.PendingInstall
	ok, err := s.readJSON(s.pendingPath(ecu), &p)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &p, true, nil
}

func (s *FileStore) SetPending(ecu uptane.EcuSerial, target uptane.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := uptane.PendingInstall{Ecu: ecu, Target: target}
	return s.writeJSON(s.pendingPath(ecu), p)
}

func (s *FileStore) SetPendingRawReport(ecu uptane.EcuSerial, report string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p uptane.PendingInstall
	ok, err := s.readJSON(s.pendingPath(ecu), &p)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	p.RawReport = report
	p.HasReport = true
	if err := s.writeJSON(s.pendingPath(ecu), p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) ClearPending(ecu uptane.EcuSerial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pendingPath(ecu)
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return uptane.NewError(uptane.Storage, "clearing pending for "+string(ecu), err)
	}
	return nil
}

func (s *FileStore) installedPath(ecu uptane.EcuSerial) string {
	return filepath.Join(s.root, "installed", string(ecu)+".json")
}

func (s *FileStore) InstalledVersions(ecu uptane.EcuSerial) ([]uptane.InstallationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []uptane.InstallationLogEntry
	if _, err := s.readJSON(s.installedPath(ecu), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FileStore) AppendInstalled(ecu uptane.EcuSerial, target uptane.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []uptane.InstallationLogEntry
	if _, err := s.readJSON(s.installedPath(ecu), &entries); err != nil {
		return err
	}
	entries = append(entries, uptane.InstallationLogEntry{Ecu: ecu, Targets: []uptane.Target{target}})
	return s.writeJSON(s.installedPath(ecu), entries)
}

func (s *FileStore) DeviceId() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payload struct {
		DeviceId string `json:"deviceId"`
	}
	ok, err := s.readJSON(filepath.Join(s.root, "device.json"), &payload)
	if err != nil || !ok {
		return "", ok, err
	}
	return payload.DeviceId, true, nil
}

func (s *FileStore) SetDeviceId(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, "device.json")
	if _, exists, _ := s.readFile(path); exists {
		return uptane.NewError(uptane.Storage, "device id already provisioned", nil)
	}
	return s.writeJSON(path, struct {
		DeviceId string `json:"deviceId"`
	}{DeviceId: id})
}

func (s *FileStore) TLSCredentials() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFile(filepath.Join(s.root, "credentials.blob"))
}

func (s *FileStore) SetTLSCredentials(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atomicWrite(filepath.Join(s.root, "credentials.blob"), blob)
}

func (s *FileStore) PrimaryKeys() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFile(filepath.Join(s.root, "keys.blob"))
}

func (s *FileStore) SetPrimaryKeys(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atomicWrite(filepath.Join(s.root, "keys.blob"), blob)
}

func targetContentPath(root string, target uptane.Target) (string, error) {
	hash, ok := target.HashFor(uptane.Sha256)
	if !ok {
		return "", uptane.NewError(uptane.Storage, "target has no sha256 hash to address by", nil)
	}
	return filepath.Join(root, "targets", strings.ToLower(hash.Digest)), nil
}

func (s *FileStore) StoreTargetContent(target uptane.Target, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := targetContentPath(s.root, target)
	if err != nil {
		return err
	}
	if err := s.atomicWrite(path, content); err != nil {
		return err
	}
	var index []uptane.Target
	indexPath := filepath.Join(s.root, "targets", "index.json")
	if _, err := s.readJSON(indexPath, &index); err != nil {
		return err
	}
	for _, existing := range index {
		if existing.Filename == target.Filename {
			return nil
		}
	}
	index = append(index, target)
	return s.writeJSON(indexPath, index)
}

func (s *FileStore) OpenStoredTarget(target uptane.Target) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := targetContentPath(s.root, target)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, uptane.NewError(uptane.Storage, "opening stored target "+target.Filename, err)
	}
	return f, nil
}

func (s *FileStore) DeleteStoredTarget(target uptane.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := targetContentPath(s.root, target)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return uptane.NewError(uptane.Storage, "deleting stored target "+target.Filename, err)
	}
	var index []uptane.Target
	indexPath := filepath.Join(s.root, "targets", "index.json")
	if _, err := s.readJSON(indexPath, &index); err != nil {
		return err
	}
	filtered := index[:0]
	for _, existing := range index {
		if existing.Filename != target.Filename {
			filtered = append(filtered, existing)
		}
	}
	return s.writeJSON(indexPath, filtered)
}

func (s *FileStore) StoredTargets() ([]uptane.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var index []uptane.Target
	if _, err := s.readJSON(filepath.Join(s.root, "targets", "index.json"), &index); err != nil {
		return nil, err
	}
	return index, nil
}

var _ Store = (*FileStore)(nil)

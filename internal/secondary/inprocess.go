// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package secondary

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/installer"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// Signer produces a signature and its method name over message, using
// the Secondary's own private key. Real ECUs sign with hardware-backed
// keys; tests use an in-memory keypair.
type Signer func(message []byte) (sig []byte, method string, err error)

// InProcess is a Secondary that lives in the same process as the
// Primary and drives its package manager directly instead of going
// out over an IPC transport, matching the original's ManagedSecondary:
// useful for a Primary-only device or for tests that want to exercise
// dispatch without a real transport.
type InProcess struct {
	serial uptane.EcuSerial
	hwid   uptane.HardwareId
	pubKey uptane.PublicKey
	pkgMgr installer.PackageManager
	sign   Signer

	mu         sync.Mutex
	lastPack   MetaPack
	lastResult installer.Result
	lastTarget uptane.Target
}

// NewInProcess builds an in-process Secondary backed by pkgMgr and
// sign, the callback used to produce the ECU's own signed manifest.
func NewInProcess(serial uptane.EcuSerial, hwid uptane.HardwareId, pubKey uptane.PublicKey, pkgMgr installer.PackageManager, sign Signer) *InProcess {
	return &InProcess{serial: serial, hwid: hwid, pubKey: pubKey, pkgMgr: pkgMgr, sign: sign}
}

func (s *InProcess) Serial(ctx context.Context) (uptane.EcuSerial, error) { return s.serial, nil }
func (s *InProcess) HardwareId(ctx context.Context) (uptane.HardwareId, error) {
	return s.hwid, nil
}
func (s *InProcess) PublicKey(ctx context.Context) (uptane.PublicKey, error) { return s.pubKey, nil }

func (s *InProcess) PutRoot(ctx context.Context, repo uptane.RepositoryKind, root []byte, version uptane.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if repo == uptane.Director {
		s.lastPack.DirectorRoot = root
	} else {
		s.lastPack.ImageRoot = root
	}
	return nil
}

func (s *InProcess) PutMetadata(ctx context.Context, pack MetaPack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPack = pack
	return nil
}

func (s *InProcess) SendFirmware(ctx context.Context, target uptane.Target, content []byte) error {
	result, err := s.pkgMgr.Install(ctx, target, content)
	s.mu.Lock()
	s.lastResult = result
	s.lastTarget = target
	s.mu.Unlock()
	return err
}

// manifestBody is the unsigned payload an ECU reports back: its
// serial, the target it last attempted, and the package manager's
// verdict, timestamped at the moment the manifest is produced.
type manifestBody struct {
	EcuSerial string    `json:"ecu_serial"`
	Target    string    `json:"target"`
	Installed bool      `json:"installed"`
	Time      time.Time `json:"time"`
}

func (s *InProcess) GetManifest(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	body := manifestBody{
		EcuSerial: string(s.serial),
		Target:    s.lastTarget.Filename,
		Installed: s.lastResult == installer.ResultInstalled,
		Time:      time.Now().UTC(),
	}
	s.mu.Unlock()

	signed, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling ecu manifest body: %w", err)
	}
	sig, method, err := s.sign(signed)
	if err != nil {
		return nil, fmt.Errorf("signing ecu manifest: %w", err)
	}
	return json.Marshal(struct {
		Signed     json.RawMessage `json:"signed"`
		Signatures []struct {
			KeyId  string `json:"keyid"`
			Method string `json:"method"`
			Sig    string `json:"sig"`
		} `json:"signatures"`
	}{
		Signed: signed,
		Signatures: []struct {
			KeyId  string `json:"keyid"`
			Method string `json:"method"`
			Sig    string `json:"sig"`
		}{{KeyId: string(s.pubKey.Id), Method: method, Sig: fmt.Sprintf("%x", sig)}},
	})
}

var _ ECU = (*InProcess)(nil)

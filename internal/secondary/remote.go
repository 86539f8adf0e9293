// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package secondary

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/secondary/ipc"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// Remote is an ECU reached over a framed stream transport (any
// io.ReadWriter: a Unix socket, a serial line, a TCP connection). It
// speaks a fixed set of request/response pairs: PublicKeyReq/Resp,
// ManifestReq/Resp, PutMetaReq/Resp, PutRootReq/Resp,
// SendFirmwareReq/Resp. It does not send SendFirmwareOstreeReq.
type Remote struct {
	mu sync.Mutex
	rw io.ReadWriter
	r  *bufio.Reader
}

// NewRemote wraps rw as a framed Secondary transport.
func NewRemote(rw io.ReadWriter) *Remote {
	return &Remote{rw: rw, r: bufio.NewReader(rw)}
}

func (r *Remote) roundTrip(kind ipc.MessageKind, payload []byte) (ipc.Frame, error) {
	if err := ipc.WriteFrame(r.rw, ipc.Frame{Kind: kind, Payload: payload}); err != nil {
		return ipc.Frame{}, err
	}
	return ipc.ReadFrame(r.r)
}

func (r *Remote) Serial(ctx context.Context) (uptane.EcuSerial, error) {
	return "", fmt.Errorf("secondary: Serial is cached at registration time, not queried over IPC")
}

func (r *Remote) HardwareId(ctx context.Context) (uptane.HardwareId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, err := r.roundTrip(ipc.KindPublicKeyReq, nil)
	if err != nil {
		return "", err
	}
	hwid, err := ipc.ReadString(bytes.NewReader(resp.Payload))
	if err != nil {
		return "", err
	}
	return uptane.HardwareId(hwid), nil
}

func (r *Remote) PublicKey(ctx context.Context) (uptane.PublicKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, err := r.roundTrip(ipc.KindPublicKeyReq, nil)
	if err != nil {
		return uptane.PublicKey{}, err
	}
	br := bytes.NewReader(resp.Payload)
	if _, err := ipc.ReadString(br); err != nil { // consume hwid field
		return uptane.PublicKey{}, err
	}
	encoded, err := ipc.ReadString(br)
	if err != nil {
		return uptane.PublicKey{}, err
	}
	return uptane.NewPublicKey(uptane.Ed25519, encoded), nil
}

func (r *Remote) PutRoot(ctx context.Context, repo uptane.RepositoryKind, root []byte, version uptane.Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload := append([]byte{byte(repo)}, root...)
	_, err := r.roundTrip(ipc.KindPutRootReq, payload)
	return err
}

func (r *Remote) PutMetadata(ctx context.Context, pack MetaPack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var buf bytes.Buffer
	for _, field := range [][]byte{pack.DirectorRoot, pack.DirectorTargets, pack.ImageRoot, pack.ImageTimestamp, pack.ImageSnapshot, pack.ImageTargets} {
		if err := ipc.WriteString(&buf, string(field)); err != nil {
			return err
		}
	}
	_, err := r.roundTrip(ipc.KindPutMetaReq, buf.Bytes())
	return err
}

func (r *Remote) SendFirmware(ctx context.Context, target uptane.Target, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.roundTrip(ipc.KindSendFirmwareReq, content)
	return err
}

func (r *Remote) GetManifest(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, err := r.roundTrip(ipc.KindManifestReq, nil)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

var _ ECU = (*Remote)(nil)

// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the binary framed protocol a Secondary
// reached over a stream transport speaks with the Primary: typed
// requests with length-prefixed payloads and no dependency on any
// particular IPC framework (CommonAPI/D-Bus are explicitly out of
// scope).
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageKind tags a frame's payload shape.
type MessageKind uint8

const (
	KindPublicKeyReq MessageKind = iota + 1
	KindPublicKeyResp
	KindManifestReq
	KindManifestResp
	KindPutMetaReq
	KindPutMetaResp
	KindPutRootReq
	KindPutRootResp
	KindSendFirmwareReq
	KindSendFirmwareOstreeReq
	KindSendFirmwareResp
)

// maxFrameLength bounds a single frame's payload to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxFrameLength = 256 << 20

// Frame is one length-prefixed message: a 1-byte kind tag, a 4-byte
// big-endian payload length, then the payload itself.
type Frame struct {
	Kind    MessageKind
	Payload []byte
}

// WriteFrame writes f to w as kind(1) || length(4, big-endian) || payload.
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 5)
	header[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("ipc: writing frame header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("ipc: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r, the inverse of WriteFrame.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("ipc: reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameLength {
		return Frame{}, fmt.Errorf("ipc: frame length %d exceeds maximum %d", length, maxFrameLength)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("ipc: reading frame payload: %w", err)
		}
	}
	return Frame{Kind: MessageKind(header[0]), Payload: payload}, nil
}

// WriteString writes a length-prefixed UTF-8 string, the encoding
// every string-bearing request/response field uses.
func WriteString(w io.Writer, s string) error {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(s)))
	if _, err := w.Write(length); err != nil {
		return fmt.Errorf("ipc: writing string length: %w", err)
	}
	if len(s) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("ipc: writing string payload: %w", err)
	}
	return nil
}

// ReadString reads a length-prefixed UTF-8 string written by WriteString.
func ReadString(r io.Reader) (string, error) {
	length := make([]byte, 4)
	if _, err := io.ReadFull(r, length); err != nil {
		return "", fmt.Errorf("ipc: reading string length: %w", err)
	}
	n := binary.BigEndian.Uint32(length)
	if n > maxFrameLength {
		return "", fmt.Errorf("ipc: string length %d exceeds maximum %d", n, maxFrameLength)
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("ipc: reading string payload: %w", err)
	}
	return string(buf), nil
}

// WriteBool writes a single-byte boolean.
func WriteBool(w io.Writer, b bool) error {
	v := byte(0)
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

// ReadBool reads a single-byte boolean written by WriteBool.
func ReadBool(r io.Reader) (bool, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return false, fmt.Errorf("ipc: reading bool: %w", err)
	}
	return buf[0] != 0, nil
}

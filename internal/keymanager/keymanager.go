// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package keymanager models the device credential lifecycle as an
// external collaborator: loading the device certificate/key pair that
// authenticates the agent to the backend, with a file-backed default
// and a PKCS#11 stub variant.
package keymanager

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/config"
)

// ErrNotImplemented is returned by credential sources whose backing
// hardware integration is out of scope: hardware key stores (PKCS#11)
// are modeled only as a credential-source variant.
var ErrNotImplemented = errors.New("keymanager: not implemented")

// Source is the credential-lifecycle interface the core consumes; it
// never depends on a particular key store's internals.
type Source interface {
	// Certificate returns the device's TLS client certificate/key pair.
	Certificate() (tls.Certificate, error)
}

// FileSource loads the device certificate and key from PEM files on
// disk, the default credential source.
type FileSource struct {
	CertPath string
	KeyPath  string
}

// NewFileSource builds a FileSource from the configured TLS credential paths.
func NewFileSource(creds config.TLSCredentials) *FileSource {
	return &FileSource{CertPath: creds.CertPath, KeyPath: creds.KeyPath}
}

func (f *FileSource) Certificate() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(f.CertPath, f.KeyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("keymanager: loading device certificate: %w", err)
	}
	return cert, nil
}

// PKCS11Source selects a hardware-backed key store by URI; it is a
// stub, since PKCS#11 is modeled only as a credential-source variant
// the core must be able to select without depending on its internals.
type PKCS11Source struct {
	URI string
}

func (p *PKCS11Source) Certificate() (tls.Certificate, error) {
	return tls.Certificate{}, fmt.Errorf("keymanager: pkcs11 uri %q: %w", p.URI, ErrNotImplemented)
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = (*PKCS11Source)(nil)
)

// New selects a Source based on creds: a PKCS#11 URI takes precedence
// over file paths.
func New(creds config.TLSCredentials) Source {
	if creds.Pkcs11URI != "" {
		return &PKCS11Source{URI: creds.Pkcs11URI}
	}
	return NewFileSource(creds)
}

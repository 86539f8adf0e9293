// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package httpclient builds the mutual-TLS transport the fetcher uses
// to reach the backend. It does not implement a TLS stack itself — it
// only configures net/http's own stack with the device certificate.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/config"
)

// HTTPDoer is the external collaborator the fetcher consumes. Any
// *http.Client, or a test double, satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewClient builds an *http.Client configured for mutual TLS against
// the backend using the device certificate/key/CA named in creds.
func NewClient(creds config.TLSCredentials, timeout time.Duration) (*http.Client, error) {
	tlsConfig, err := buildTLSConfig(creds)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

func buildTLSConfig(creds config.TLSCredentials) (*tls.Config, error) {
	if creds.Pkcs11URI != "" {
		return nil, fmt.Errorf("httpclient: pkcs11-backed TLS credentials require a keymanager.Source integration, not yet wired for %q", creds.Pkcs11URI)
	}

	cert, err := tls.LoadX509KeyPair(creds.CertPath, creds.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading device certificate/key: %w", err)
	}

	caPool := x509.NewCertPool()
	if creds.CAPath != "" {
		caBytes, err := os.ReadFile(creds.CAPath)
		if err != nil {
			return nil, fmt.Errorf("loading CA bundle: %w", err)
		}
		if !caPool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no certificates parsed from CA bundle %q", creds.CAPath)
		}
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system CA pool: %w", err)
		}
		caPool = systemPool
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

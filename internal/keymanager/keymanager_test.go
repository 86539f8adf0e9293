// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package keymanager_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/config"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/keymanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSignedCert generates a throwaway self-signed cert/key pair
// on disk, for exercising FileSource.Certificate without a real PKI.
func writeSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "device.crt")
	keyPath = filepath.Join(dir, "device.key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())
	return certPath, keyPath
}

func TestFileSource_Certificate_LoadsValidPair(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir)

	src := keymanager.NewFileSource(config.TLSCredentials{CertPath: certPath, KeyPath: keyPath})
	cert, err := src.Certificate()
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}

func TestFileSource_Certificate_MissingFileFails(t *testing.T) {
	src := keymanager.NewFileSource(config.TLSCredentials{CertPath: "/nonexistent/a.crt", KeyPath: "/nonexistent/a.key"})
	_, err := src.Certificate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading device certificate")
}

func TestPKCS11Source_CertificateIsNotImplemented(t *testing.T) {
	src := &keymanager.PKCS11Source{URI: "pkcs11:token=device"}
	_, err := src.Certificate()
	require.ErrorIs(t, err, keymanager.ErrNotImplemented)
}

func TestNew_SelectsPkcs11WhenURIPresent(t *testing.T) {
	src := keymanager.New(config.TLSCredentials{Pkcs11URI: "pkcs11:token=device"})
	_, ok := src.(*keymanager.PKCS11Source)
	assert.True(t, ok)
}

func TestNew_SelectsFileSourceByDefault(t *testing.T) {
	src := keymanager.New(config.TLSCredentials{CertPath: "/some/cert.pem", KeyPath: "/some/key.pem"})
	_, ok := src.(*keymanager.FileSource)
	assert.True(t, ok)
}

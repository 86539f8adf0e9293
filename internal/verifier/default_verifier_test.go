// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package verifier_test

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSignatureVerifier_Ed25519_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	key := uptane.NewPublicKey(uptane.Ed25519, pemStr)

	message := []byte("canonical signed bytes")
	sig := ed25519.Sign(priv, message)

	v := verifier.DefaultSignatureVerifier{}
	ok, err := v.Verify(key, "ed25519", message, []byte(hex.EncodeToString(sig)))
	require.NoError(t, err)
	assert.True(t, ok)

	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherDer, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	otherKey := uptane.NewPublicKey(uptane.Ed25519, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: otherDer})))

	ok, err = v.Verify(otherKey, "ed25519", message, []byte(hex.EncodeToString(sig)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefaultSignatureVerifier_RSAPSS_RoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	key := uptane.NewPublicKey(uptane.Rsa2048, pemStr)

	message := []byte("canonical signed bytes")
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256})
	require.NoError(t, err)

	v := verifier.DefaultSignatureVerifier{}
	ok, err := v.Verify(key, "rsassa-pss-sha256", message, []byte(hex.EncodeToString(sig)))
	require.NoError(t, err)
	assert.True(t, ok)
}

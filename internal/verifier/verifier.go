// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package verifier implements the canonical-JSON signature checks,
// threshold policy, expiry, version-monotonicity, and cross-repository
// target agreement rules that every fetched role document must pass
// before the engine trusts it.
package verifier

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// MinThreshold and MaxThreshold bound a legal role signature threshold.
const (
	MinThreshold = 1
	MaxThreshold = 100
)

// Clock is the injected "now" test seam freshness checks require.
type Clock func() time.Time

// SystemClock returns the wall-clock time; production engines use it.
func SystemClock() time.Time { return time.Now().UTC() }

// SignatureVerifier is the cryptographic collaborator this package
// consumes: everything about RSA-PSS/Ed25519 verification lives behind
// this interface, out of scope for the verification core itself.
type SignatureVerifier interface {
	// Verify reports whether sig is a valid signature over message
	// under pub, using the named method ("rsassa-pss-sha256" or
	// "ed25519"). An unsupported method or malformed key returns an
	// error; a well-formed but non-matching signature returns
	// (false, nil).
	Verify(pub uptane.PublicKey, method string, message, sig []byte) (bool, error)
}

// DefaultSignatureVerifier implements SignatureVerifier with the
// standard library. Signature verification is a pluggable external
// collaborator, not an ambient concern needing a third-party library.
type DefaultSignatureVerifier struct{}

func (DefaultSignatureVerifier) Verify(pub uptane.PublicKey, method string, message, sig []byte) (bool, error) {
	method = strings.ToLower(method)
	sigBytes, err := decodeSig(sig)
	if err != nil {
		return false, err
	}
	switch method {
	case "rsassa-pss", "rsassa-pss-sha256":
		return verifyRSAPSS(pub, message, sigBytes)
	case "ed25519":
		return verifyEd25519(pub, message, sigBytes)
	default:
		return false, fmt.Errorf("unsupported signature method %q", method)
	}
}

// decodeSig accepts a hex string, a standard base64 string, or raw
// bytes, tried in that order.
func decodeSig(sig []byte) ([]byte, error) {
	if decoded, err := hex.DecodeString(string(sig)); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(sig)); err == nil {
		return decoded, nil
	}
	return sig, nil
}

func verifyRSAPSS(pub uptane.PublicKey, message, sig []byte) (bool, error) {
	if pub.Type != uptane.Rsa2048 && pub.Type != uptane.Rsa3072 && pub.Type != uptane.Rsa4096 {
		return false, nil
	}
	key, err := parseRSAPublicKey(pub.Encoded)
	if err != nil {
		return false, fmt.Errorf("parsing rsa public key: %w", err)
	}
	digest := sha256.Sum256(message)
	err = rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256})
	return err == nil, nil
}

func verifyEd25519(pub uptane.PublicKey, message, sig []byte) (bool, error) {
	if pub.Type != uptane.Ed25519 {
		return false, nil
	}
	key, err := parseEd25519PublicKey(pub.Encoded)
	if err != nil {
		return false, fmt.Errorf("parsing ed25519 public key: %w", err)
	}
	return ed25519.Verify(key, message, sig), nil
}

func parseRSAPublicKey(encoded string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(encoded))
	if block == nil {
		return nil, fmt.Errorf("not PEM encoded")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	generic, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := generic.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

func parseEd25519PublicKey(encoded string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(encoded))
	if block == nil {
		return nil, fmt.Errorf("not PEM encoded")
	}
	generic, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	edPub, ok := generic.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 public key")
	}
	return edPub, nil
}


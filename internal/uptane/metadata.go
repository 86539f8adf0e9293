// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package uptane

import (
	"encoding/json"
	"fmt"
)

// SignedMetadata is embedded by every role document. OriginalJSON
// retains the exact bytes the document was parsed from; verification
// always re-derives canonical bytes from OriginalJSON's `signed`
// object rather than re-serializing the typed struct.
type SignedMetadata struct {
	Version      Version
	Expires      TimeStamp
	OriginalJSON []byte
	RoleTag      Role
}

// wireEnvelope is the untyped {signed, signatures} shape every role
// document shares at the top level. Unknown top-level fields besides
// these two are tolerated.
type wireEnvelope struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

// Signature is one entry of a role document's "signatures" array.
type Signature struct {
	KeyId  string `json:"keyid"`
	Method string `json:"method"`
	Sig    string `json:"sig"`
}

// wireSignedHeader is the subset of every `signed` body this package
// validates strictly before handing the rest to a role-specific parser.
type wireSignedHeader struct {
	Type    string          `json:"_type"`
	Version *int64          `json:"version"`
	Expires *string         `json:"expires"`
	Raw     json.RawMessage `json:"-"`
}

// parseEnvelope performs the strict top-level checks common to every
// role: the document must decode as an object with a `signed` object
// and a `signatures` array, and `signed` must carry a `_type`, numeric
// `version`, and string `expires`.
func parseEnvelope(raw []byte) (wireEnvelope, wireSignedHeader, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return wireEnvelope{}, wireSignedHeader{}, NewError(InvalidMetadata, "malformed envelope", err)
	}
	if len(env.Signed) == 0 {
		return wireEnvelope{}, wireSignedHeader{}, NewError(InvalidMetadata, "missing signed body", nil)
	}

	var hdr wireSignedHeader
	if err := json.Unmarshal(env.Signed, &hdr); err != nil {
		return wireEnvelope{}, wireSignedHeader{}, NewError(InvalidMetadata, "malformed signed body", err)
	}
	if hdr.Type == "" {
		return wireEnvelope{}, wireSignedHeader{}, NewError(InvalidMetadata, "signed._type missing", nil)
	}
	if hdr.Version == nil {
		return wireEnvelope{}, wireSignedHeader{}, NewError(InvalidMetadata, "signed.version missing", nil)
	}
	if hdr.Expires == nil {
		return wireEnvelope{}, wireSignedHeader{}, NewError(InvalidMetadata, "signed.expires missing", nil)
	}
	hdr.Raw = env.Signed
	return env, hdr, nil
}

func roleTagFor(typeName string) (Role, error) {
	switch typeName {
	case "root":
		return NewRole(RoleRoot), nil
	case "timestamp":
		return NewRole(RoleTimestamp), nil
	case "snapshot":
		return NewRole(RoleSnapshot), nil
	case "targets":
		// Ambiguous here between top-level Targets and a delegation;
		// disambiguated by the caller, which knows which it asked for.
		return NewRole(RoleTargets), nil
	default:
		return Role{}, fmt.Errorf("unrecognized _type %q", typeName)
	}
}

func baseSignedMetadata(hdr wireSignedHeader, roleTag Role, raw []byte) (SignedMetadata, error) {
	ts, err := ParseTimeStamp(*hdr.Expires)
	if err != nil {
		return SignedMetadata{}, NewError(InvalidMetadata, "bad expires timestamp", err)
	}
	return SignedMetadata{
		Version:      Version(*hdr.Version),
		Expires:      ts,
		OriginalJSON: raw,
		RoleTag:      roleTag,
	}, nil
}

// DelegationDef describes one subordinate Targets role: a path-pattern
// scoped role signed by a declared key set. Keys holds the resolved
// public keys for KeyIds (taken from the parent document's own
// "delegations.keys" map), so a delegation can be verified without a
// second round-trip to the Root.
type DelegationDef struct {
	Name        string
	PathPattern []string
	KeyIds      []KeyId
	Keys        map[KeyId]PublicKey
	Threshold   int
	Terminating bool
}

// Root is the root-of-trust document for one repository: the key
// store and per-role threshold/authorization policy every other role
// document is checked against.
type Root struct {
	SignedMetadata
	Repo       RepositoryKind
	Keys       map[KeyId]PublicKey
	Thresholds map[RoleKind]int
	RoleKeys   map[RoleKind]map[KeyId]bool
}

type wireRootSigned struct {
	Type  string `json:"_type"`
	Roles map[string]struct {
		KeyIds    []string `json:"keyids"`
		Threshold int      `json:"threshold"`
	} `json:"roles"`
	Keys map[string]struct {
		KeyType string `json:"keytype"`
		KeyVal  struct {
			Public string `json:"public"`
		} `json:"keyval"`
	} `json:"keys"`
}

func keyTypeFromWire(keytype string) PublicKeyType {
	switch keytype {
	case "rsa2048":
		return Rsa2048
	case "rsa3072":
		return Rsa3072
	case "rsa4096", "rsa":
		return Rsa4096
	case "ed25519":
		return Ed25519
	default:
		return UnknownKeyType
	}
}

func roleKindFromName(name string) (RoleKind, bool) {
	switch name {
	case "root":
		return RoleRoot, true
	case "timestamp":
		return RoleTimestamp, true
	case "snapshot":
		return RoleSnapshot, true
	case "targets":
		return RoleTargets, true
	default:
		return 0, false
	}
}

// ParseRoot strictly decodes a root.json document for repo.
func ParseRoot(repo RepositoryKind, raw []byte) (*Root, error) {
	_, hdr, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Type != "root" {
		return nil, NewError(InvalidMetadata, fmt.Sprintf("expected _type=root, got %q", hdr.Type), nil)
	}
	base, err := baseSignedMetadata(hdr, NewRole(RoleRoot), raw)
	if err != nil {
		return nil, err
	}

	var wr wireRootSigned
	if err := json.Unmarshal(hdr.Raw, &wr); err != nil {
		return nil, NewError(InvalidMetadata, "malformed root signed body", err)
	}

	root := &Root{
		SignedMetadata: base,
		Repo:           repo,
		Keys:           map[KeyId]PublicKey{},
		Thresholds:     map[RoleKind]int{},
		RoleKeys:       map[RoleKind]map[KeyId]bool{},
	}
	for id, k := range wr.Keys {
		root.Keys[KeyId(id)] = PublicKey{
			Type:    keyTypeFromWire(k.KeyType),
			Encoded: k.KeyVal.Public,
			Id:      KeyId(id),
		}
	}
	for roleName, def := range wr.Roles {
		kind, ok := roleKindFromName(roleName)
		if !ok {
			continue // unknown role entries are tolerated
		}
		root.Thresholds[kind] = def.Threshold
		set := map[KeyId]bool{}
		for _, id := range def.KeyIds {
			set[KeyId(id)] = true
		}
		root.RoleKeys[kind] = set
	}
	return root, nil
}

// KeysFor returns the public keys authorized for role, denormalizing
// Root.Keys/RoleKeys the way the original C++ tree kept per-role key
// maps on every document; here it is a lookup instead of duplicated
// state.
func (r *Root) KeysFor(role RoleKind) []PublicKey {
	ids := r.RoleKeys[role]
	keys := make([]PublicKey, 0, len(ids))
	for id := range ids {
		if k, ok := r.Keys[id]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Targets is a role document listing installable artifacts, optionally
// delegating subsets of the filename space to subordinate roles.
type Targets struct {
	SignedMetadata
	Repo        RepositoryKind
	Items       []Target
	Delegations []DelegationDef
}

type wireTargetsSigned struct {
	Type    string `json:"_type"`
	Targets map[string]struct {
		Length int64 `json:"length"`
		Hashes struct {
			Sha256 string `json:"sha256"`
			Sha512 string `json:"sha512"`
		} `json:"hashes"`
		Custom json.RawMessage `json:"custom"`
	} `json:"targets"`
	Delegations *struct {
		Keys map[string]struct {
			KeyType string `json:"keytype"`
			KeyVal  struct {
				Public string `json:"public"`
			} `json:"keyval"`
		} `json:"keys"`
		Roles []struct {
			Name        string   `json:"name"`
			PathPattern []string `json:"paths"`
			KeyIds      []string `json:"keyids"`
			Threshold   int      `json:"threshold"`
			Terminating bool     `json:"terminating"`
		} `json:"roles"`
	} `json:"delegations"`
}

type targetCustom struct {
	EcuIdentifier      string `json:"ecuIdentifier"`
	HardwareIdentifier string `json:"hardwareIdentifier"`
}

// ParseTargets strictly decodes a targets.json (or delegated) document
// for repo. roleName is "targets" for the top-level role, or the
// delegation name otherwise; it is checked against signed._type the
// same way (delegations must map to the Targets family).
func ParseTargets(repo RepositoryKind, roleName string, raw []byte) (*Targets, error) {
	_, hdr, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Type != "targets" {
		return nil, NewError(InvalidMetadata, fmt.Sprintf("expected _type=targets, got %q", hdr.Type), nil)
	}

	var roleTag Role
	if roleName == "" || roleName == "targets" {
		roleTag = NewRole(RoleTargets)
	} else {
		roleTag = NewDelegationRole(roleName, "targets")
	}

	base, err := baseSignedMetadata(hdr, roleTag, raw)
	if err != nil {
		return nil, err
	}

	var wt wireTargetsSigned
	if err := json.Unmarshal(hdr.Raw, &wt); err != nil {
		return nil, NewError(InvalidMetadata, "malformed targets signed body", err)
	}

	t := &Targets{SignedMetadata: base, Repo: repo}
	for filename, wireTarget := range wt.Targets {
		var hashes []Hash
		if wireTarget.Hashes.Sha256 != "" {
			hashes = append(hashes, Hash{Algorithm: Sha256, Digest: wireTarget.Hashes.Sha256})
		}
		if wireTarget.Hashes.Sha512 != "" {
			hashes = append(hashes, Hash{Algorithm: Sha512, Digest: wireTarget.Hashes.Sha512})
		}
		target := Target{
			Filename: filename,
			Length:   uint64(wireTarget.Length),
			Hashes:   hashes,
		}
		if len(wireTarget.Custom) > 0 {
			target.CustomFormat = string(wireTarget.Custom)
			var custom targetCustom
			if err := json.Unmarshal(wireTarget.Custom, &custom); err == nil {
				target.EcuIdentifier = custom.EcuIdentifier
			}
		}
		if err := target.Validate(); err != nil {
			return nil, NewError(InvalidMetadata, err.Error(), nil)
		}
		t.Items = append(t.Items, target)
	}

	if wt.Delegations != nil {
		allKeys := map[KeyId]PublicKey{}
		for id, k := range wt.Delegations.Keys {
			allKeys[KeyId(id)] = PublicKey{Type: keyTypeFromWire(k.KeyType), Encoded: k.KeyVal.Public, Id: KeyId(id)}
		}
		for _, d := range wt.Delegations.Roles {
			def := DelegationDef{
				Name:        d.Name,
				PathPattern: d.PathPattern,
				Threshold:   d.Threshold,
				Terminating: d.Terminating,
				Keys:        map[KeyId]PublicKey{},
			}
			for _, id := range d.KeyIds {
				def.KeyIds = append(def.KeyIds, KeyId(id))
				if k, ok := allKeys[KeyId(id)]; ok {
					def.Keys[KeyId(id)] = k
				}
			}
			t.Delegations = append(t.Delegations, def)
		}
	}
	return t, nil
}

// HardwareIdentifierFor returns the hardwareIdentifier custom field for
// a target filename, if present.
func (t *Targets) HardwareIdentifierFor(filename string) (HardwareId, bool) {
	for _, item := range t.Items {
		if item.Filename != filename {
			continue
		}
		var custom targetCustom
		if item.CustomFormat == "" {
			return "", false
		}
		if err := json.Unmarshal([]byte(item.CustomFormat), &custom); err != nil {
			return "", false
		}
		if custom.HardwareIdentifier == "" {
			return "", false
		}
		return HardwareId(custom.HardwareIdentifier), true
	}
	return "", false
}

// Find returns the target with the given filename, if listed directly
// (not through a delegation) on this document.
func (t *Targets) Find(filename string) (Target, bool) {
	for _, item := range t.Items {
		if item.Filename == filename {
			return item, true
		}
	}
	return Target{}, false
}

// Snapshot pins the version of every other role file for one repository.
type Snapshot struct {
	SignedMetadata
	Repo         RepositoryKind
	MetaVersions map[RoleFile]Version
}

type wireSnapshotSigned struct {
	Type string `json:"_type"`
	Meta map[string]struct {
		Version int64 `json:"version"`
	} `json:"meta"`
}

// ParseSnapshot strictly decodes a snapshot.json document for repo.
func ParseSnapshot(repo RepositoryKind, raw []byte) (*Snapshot, error) {
	_, hdr, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Type != "snapshot" {
		return nil, NewError(InvalidMetadata, fmt.Sprintf("expected _type=snapshot, got %q", hdr.Type), nil)
	}
	base, err := baseSignedMetadata(hdr, NewRole(RoleSnapshot), raw)
	if err != nil {
		return nil, err
	}

	var ws wireSnapshotSigned
	if err := json.Unmarshal(hdr.Raw, &ws); err != nil {
		return nil, NewError(InvalidMetadata, "malformed snapshot signed body", err)
	}

	snap := &Snapshot{SignedMetadata: base, Repo: repo, MetaVersions: map[RoleFile]Version{}}
	for file, meta := range ws.Meta {
		snap.MetaVersions[RoleFile(file)] = Version(meta.Version)
	}
	return snap, nil
}

// Timestamp is the frequently-refreshed pointer at the current Snapshot.
type Timestamp struct {
	SignedMetadata
	Repo            RepositoryKind
	SnapshotHash    Hash
	SnapshotVersion Version
}

type wireTimestampSigned struct {
	Type string `json:"_type"`
	Meta map[string]struct {
		Version int64 `json:"version"`
		Hashes  struct {
			Sha256 string `json:"sha256"`
			Sha512 string `json:"sha512"`
		} `json:"hashes"`
	} `json:"meta"`
}

// ParseTimestamp strictly decodes a timestamp.json document for repo.
func ParseTimestamp(repo RepositoryKind, raw []byte) (*Timestamp, error) {
	_, hdr, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Type != "timestamp" {
		return nil, NewError(InvalidMetadata, fmt.Sprintf("expected _type=timestamp, got %q", hdr.Type), nil)
	}
	base, err := baseSignedMetadata(hdr, NewRole(RoleTimestamp), raw)
	if err != nil {
		return nil, err
	}

	var wt wireTimestampSigned
	if err := json.Unmarshal(hdr.Raw, &wt); err != nil {
		return nil, NewError(InvalidMetadata, "malformed timestamp signed body", err)
	}

	snapMeta, ok := wt.Meta["snapshot.json"]
	if !ok {
		return nil, NewError(InvalidMetadata, "timestamp missing snapshot.json meta entry", nil)
	}
	var hash Hash
	switch {
	case snapMeta.Hashes.Sha256 != "":
		hash = Hash{Algorithm: Sha256, Digest: snapMeta.Hashes.Sha256}
	case snapMeta.Hashes.Sha512 != "":
		hash = Hash{Algorithm: Sha512, Digest: snapMeta.Hashes.Sha512}
	default:
		return nil, NewError(InvalidMetadata, "timestamp snapshot meta has no recognized hash", nil)
	}

	return &Timestamp{
		SignedMetadata:  base,
		Repo:            repo,
		SnapshotHash:    hash,
		SnapshotVersion: Version(snapMeta.Version),
	}, nil
}

// SignedEnvelope exposes the {signed canonical bytes, signatures} pair
// a SignatureVerifier needs; it is derived lazily from OriginalJSON so
// verification never depends on re-marshaling a typed struct.
func SignedEnvelope(raw []byte) (canonicalSigned []byte, sigs []Signature, err error) {
	env, _, err := parseEnvelope(raw)
	if err != nil {
		return nil, nil, err
	}
	canon, err := CanonicalJSON(env.Signed)
	if err != nil {
		return nil, nil, NewError(InvalidMetadata, "canonicalizing signed body", err)
	}
	return canon, env.Signatures, nil
}

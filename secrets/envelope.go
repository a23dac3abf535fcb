// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"bytes"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// BackendKind identifies the backend that sealed an envelope.
type BackendKind uint8

const (
	BackendUnknown BackendKind = iota
	BackendFile
	BackendKeychain
	BackendHardware
)

func (k BackendKind) String() string {
	switch k {
	case BackendFile:
		return "file"
	case BackendKeychain:
		return "keychain"
	case BackendHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// ParseBackendKind parses a backend name as used in the configuration.
func ParseBackendKind(s string) (BackendKind, error) {
	switch s {
	case "file":
		return BackendFile, nil
	case "keychain":
		return BackendKeychain, nil
	case "hardware":
		return BackendHardware, nil
	}
	return BackendUnknown, fmt.Errorf("%w: unknown backend %q", ErrInvalidArgument, s)
}

var (
	workspacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
	namePattern      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,99}$`)
	labelPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./-]{0,62}$`)
)

const (
	MaxLabels          = 32
	MaxLabelValueBytes = 256
)

// ValidWorkspaceID reports whether id can name a workspace.
func ValidWorkspaceID(id string) bool {
	return workspacePattern.MatchString(id)
}

// ValidateLabels checks the descriptive labels attached to a secret.
func ValidateLabels(labels map[string]string) error {
	if len(labels) > MaxLabels {
		return fmt.Errorf("%w: %d labels, at most %d allowed", ErrInvalidArgument, len(labels), MaxLabels)
	}
	for k, v := range labels {
		if !labelPattern.MatchString(k) {
			return fmt.Errorf("%w: invalid label key %q", ErrInvalidArgument, k)
		}
		if len(v) > MaxLabelValueBytes {
			return fmt.Errorf("%w: label %q is longer than %d bytes", ErrInvalidArgument, k, MaxLabelValueBytes)
		}
	}
	return nil
}

// Ref addresses a secret inside a workspace.
type Ref struct {
	Workspace string
	Name      string
}

// NewRef validates the workspace id and secret name and returns their Ref.
func NewRef(workspace, name string) (Ref, error) {
	if !workspacePattern.MatchString(workspace) {
		return Ref{}, fmt.Errorf("%w: invalid workspace id %q", ErrInvalidArgument, workspace)
	}
	if !namePattern.MatchString(name) {
		return Ref{}, fmt.Errorf("%w: invalid secret name %q", ErrInvalidArgument, name)
	}
	return Ref{Workspace: workspace, Name: name}, nil
}

// ID returns the storage identifier of the reference.
func (r Ref) ID() string {
	return r.Workspace + "/" + r.Name
}

func (r Ref) String() string { return r.ID() }

// ParseID splits a storage identifier back into a Ref.
func ParseID(id string) (Ref, error) {
	ws, name, ok := strings.Cut(id, "/")
	if ok {
		return NewRef(ws, name)
	}
	return Ref{}, fmt.Errorf("%w: malformed secret id %q", ErrInvalidArgument, id)
}

// Envelope is the sealed, persistable form of a secret. Nothing in it is
// plaintext: the ciphertext can only be opened by the backend that sealed it.
type Envelope struct {
	Workspace  string
	Name       string
	Ciphertext []byte
	Nonce      []byte
	Backend    BackendKind
	CreatedAt  time.Time
	RotatedAt  *time.Time
	Version    uint64

	// Labels describe the secret. They are stored in the clear and are not
	// bound to the ciphertext.
	Labels map[string]string
}

// Ref returns the reference of the envelope.
func (e *Envelope) Ref() Ref {
	return Ref{Workspace: e.Workspace, Name: e.Name}
}

// Metadata describes a sealed secret without its ciphertext.
type Metadata struct {
	Workspace string      `json:"workspace" yaml:"workspace"`
	Name      string      `json:"name" yaml:"name"`
	Backend   BackendKind `json:"-" yaml:"-"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
	RotatedAt *time.Time  `json:"rotated_at,omitempty" yaml:"rotated_at,omitempty"`
	Version   uint64      `json:"version" yaml:"version"`

	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Metadata returns the descriptive fields of the envelope.
func (e *Envelope) Metadata() Metadata {
	return Metadata{
		Workspace: e.Workspace,
		Name:      e.Name,
		Backend:   e.Backend,
		CreatedAt: e.CreatedAt,
		RotatedAt: e.RotatedAt,
		Version:   e.Version,
		Labels:    maps.Clone(e.Labels),
	}
}

// envelopeMagic prefixes every serialized envelope.
var envelopeMagic = []byte{'A', 'V', 'P', 0x01}

// wireEnvelope is the CBOR layout of an envelope. Integer keys and integer
// timestamps keep the deterministic encoding byte-stable.
type wireEnvelope struct {
	Workspace  string `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
	Nonce      []byte `cbor:"4,keyasint"`
	Backend    uint8  `cbor:"5,keyasint"`
	CreatedAt  int64  `cbor:"6,keyasint"`
	RotatedAt  *int64 `cbor:"7,keyasint,omitempty"`
	Version    uint64 `cbor:"8,keyasint"`

	Labels map[string]string `cbor:"9,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("building envelope encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		TagsMd:            cbor.TagsForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("building envelope decoder: %v", err))
	}
}

// Serialize encodes the envelope. The encoding is deterministic: equal
// envelopes always produce identical bytes.
func (e *Envelope) Serialize() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	w := wireEnvelope{
		Workspace:  e.Workspace,
		Name:       e.Name,
		Ciphertext: e.Ciphertext,
		Nonce:      e.Nonce,
		Backend:    uint8(e.Backend),
		CreatedAt:  e.CreatedAt.UnixNano(),
		Version:    e.Version,
	}
	if len(e.Labels) > 0 {
		w.Labels = e.Labels
	}
	if e.RotatedAt != nil {
		ts := e.RotatedAt.UnixNano()
		w.RotatedAt = &ts
	}
	data, err := encMode.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return append(bytes.Clone(envelopeMagic), data...), nil
}

// Deserialize decodes an envelope. When prior is not nil the decoded version
// must not be lower than the prior copy's. Any malformed, incomplete or
// non-canonical input fails with ErrCorruptEnvelope.
func Deserialize(data []byte, prior *Envelope) (*Envelope, error) {
	if !bytes.HasPrefix(data, envelopeMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptEnvelope)
	}
	body := data[len(envelopeMagic):]

	var w wireEnvelope
	if err := decMode.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEnvelope, err)
	}

	e := &Envelope{
		Workspace:  w.Workspace,
		Name:       w.Name,
		Ciphertext: w.Ciphertext,
		Nonce:      w.Nonce,
		Backend:    BackendKind(w.Backend),
		CreatedAt:  time.Unix(0, w.CreatedAt).UTC(),
		Version:    w.Version,
		Labels:     w.Labels,
	}
	if w.RotatedAt != nil {
		ts := time.Unix(0, *w.RotatedAt).UTC()
		e.RotatedAt = &ts
	}
	if w.CreatedAt == 0 {
		return nil, fmt.Errorf("%w: missing creation time", ErrCorruptEnvelope)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}

	// Re-encoding must reproduce the input exactly.
	canonical, err := encMode.Marshal(&w)
	if err != nil || !bytes.Equal(canonical, body) {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrCorruptEnvelope)
	}

	if prior != nil && e.Version < prior.Version {
		return nil, fmt.Errorf(
			"%w: version %d is older than known version %d", ErrCorruptEnvelope, e.Version, prior.Version,
		)
	}
	return e, nil
}

func (e *Envelope) validate() error {
	switch {
	case e.Workspace == "" || e.Name == "":
		return fmt.Errorf("%w: missing secret reference", ErrCorruptEnvelope)
	case len(e.Ciphertext) == 0:
		return fmt.Errorf("%w: missing ciphertext", ErrCorruptEnvelope)
	case len(e.Nonce) == 0:
		return fmt.Errorf("%w: missing nonce", ErrCorruptEnvelope)
	case e.Backend == BackendUnknown || e.Backend > BackendHardware:
		return fmt.Errorf("%w: unknown backend kind %d", ErrCorruptEnvelope, e.Backend)
	case e.Version == 0:
		return fmt.Errorf("%w: missing version", ErrCorruptEnvelope)
	case e.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing creation time", ErrCorruptEnvelope)
	}
	if err := ValidateLabels(e.Labels); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptEnvelope, err)
	}
	return nil
}

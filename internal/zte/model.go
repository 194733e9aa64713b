package zte

import (
	"crypto/md5" //nolint:gosec // G501: required by MC801 firmware, not used for security decisions here
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Model identifies a supported router firmware family.
type Model int

const (
	// ModelMC801 is the legacy family: MD5 command digests, lowercase hex.
	ModelMC801 Model = iota + 1
	// ModelMC888 is the current family: SHA-256 command digests, uppercase hex.
	ModelMC888
)

// DefaultModel is used when no model is configured.
const DefaultModel = ModelMC888

// DefaultUser is sent as the login user on models that require one.
const DefaultUser = "user"

// purpose selects which digest scheme of a model applies.
type purpose int

const (
	purposeLogin purpose = iota
	purposeCommand
)

// digestScheme is a hash constructor plus hex case normalisation.
type digestScheme struct {
	newHash func() hash.Hash
	upper   bool
}

func (s digestScheme) sum(parts ...string) string {
	h := s.newHash()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	out := hex.EncodeToString(h.Sum(nil))
	if s.upper {
		return strings.ToUpper(out)
	}
	return out
}

var (
	sha256Upper = digestScheme{newHash: sha256.New, upper: true}
	md5Lower    = digestScheme{newHash: md5.New, upper: false}
)

// modelSpec is one row of the model table.
type modelSpec struct {
	name         string
	login        digestScheme // password and salted password
	command      digestScheme // version digest and privileged command tokens
	requiresUser bool
}

// Both firmware families hash the login credential with uppercase SHA-256;
// they differ in the session secret used for privileged commands.
var modelSpecs = map[Model]modelSpec{
	ModelMC801: {
		name:    "MC801",
		login:   sha256Upper,
		command: md5Lower,
	},
	ModelMC888: {
		name:         "MC888",
		login:        sha256Upper,
		command:      sha256Upper,
		requiresUser: true,
	},
}

// ParseModel converts a model name ("MC801", "mc888") to a Model.
func ParseModel(s string) (Model, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for m, spec := range modelSpecs {
		if spec.name == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown router model %q", ErrConfig, s)
}

func (m Model) spec() (modelSpec, error) {
	spec, ok := modelSpecs[m]
	if !ok {
		return modelSpec{}, fmt.Errorf("%w: no digest scheme for model %d", ErrProtocol, int(m))
	}
	return spec, nil
}

// digest is the single place where a digest algorithm and hex case are chosen.
func (m Model) digest(p purpose, parts ...string) (string, error) {
	spec, err := m.spec()
	if err != nil {
		return "", err
	}
	switch p {
	case purposeLogin:
		return spec.login.sum(parts...), nil
	case purposeCommand:
		return spec.command.sum(parts...), nil
	default:
		return "", fmt.Errorf("%w: unknown digest purpose %d", ErrProtocol, int(p))
	}
}

// RequiresUser reports whether the login form must carry a user field.
func (m Model) RequiresUser() bool {
	spec, err := m.spec()
	return err == nil && spec.requiresUser
}

func (m Model) String() string {
	if spec, ok := modelSpecs[m]; ok {
		return spec.name
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Model) MarshalText() ([]byte, error) {
	if _, ok := modelSpecs[m]; !ok {
		return nil, fmt.Errorf("%w: unknown router model %d", ErrConfig, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Model) UnmarshalText(text []byte) error {
	parsed, err := ParseModel(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

package address

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	"github.com/vultisig/shadowvault/internal/types"
)

const (
	VaultMetadataSeed = "vault_metadata"
	VaultDataSeed     = "vault_data"
	MaxSeedLength     = 32
	MaxSeeds          = 16

	derivationMarker = "ProgramDerivedAddress"
)

var (
	ErrSeedTooLong    = errors.New("seed exceeds 32 bytes")
	ErrOnCurve        = errors.New("derived address is a valid curve point")
	ErrNoViableBump   = errors.New("no bump produced an off-curve address")
	ErrInvalidAddress = errors.New("invalid address")
	ErrMismatch       = errors.New("address does not match derivation")
)

// Address is a 32-byte account address.
type Address [32]byte

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse decodes a base58 address.
func Parse(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	if len(raw) != 32 {
		return Address{}, fmt.Errorf("%q decodes to %d bytes: %w", s, len(raw), ErrInvalidAddress)
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// FromIdentity converts an owner identity to its address form.
func FromIdentity(id types.Identity) (Address, error) {
	return Parse(string(id))
}

func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds with the program id. Digests that are valid
// ed25519 points are refused since a private key could exist for them.
func CreateProgramAddress(seeds [][]byte, programID Address) (Address, error) {
	if len(seeds) > MaxSeeds {
		return Address{}, fmt.Errorf("%d seeds: %w", len(seeds), ErrSeedTooLong)
	}
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return Address{}, ErrSeedTooLong
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(derivationMarker))
	sum := h.Sum(nil)
	if isOnCurve(sum) {
		return Address{}, ErrOnCurve
	}
	var a Address
	copy(a[:], sum)
	return a, nil
}

// FindProgramAddress searches bumps from 255 down and returns the first off-curve address.
func FindProgramAddress(seeds [][]byte, programID Address) (Address, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		a, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return a, uint8(bump), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Address{}, 0, err
		}
	}
	return Address{}, 0, ErrNoViableBump
}

// VaultAddresses are the two records of an owner's vault.
type VaultAddresses struct {
	Metadata     Address
	MetadataBump uint8
	Data         Address
	DataBump     uint8
}

// DeriveVault computes the metadata and data addresses for owner under programID.
func DeriveVault(programID Address, owner types.Identity) (VaultAddresses, error) {
	ownerKey, err := owner.Bytes()
	if err != nil {
		return VaultAddresses{}, err
	}
	meta, metaBump, err := FindProgramAddress([][]byte{[]byte(VaultMetadataSeed), ownerKey}, programID)
	if err != nil {
		return VaultAddresses{}, fmt.Errorf("fail to derive metadata address: %w", err)
	}
	data, dataBump, err := FindProgramAddress([][]byte{[]byte(VaultDataSeed), ownerKey}, programID)
	if err != nil {
		return VaultAddresses{}, fmt.Errorf("fail to derive data address: %w", err)
	}
	return VaultAddresses{
		Metadata:     meta,
		MetadataBump: metaBump,
		Data:         data,
		DataBump:     dataBump,
	}, nil
}

// VerifyVault re-derives owner's addresses and compares them with the supplied ones.
func VerifyVault(programID Address, owner types.Identity, metadata, data Address) (VaultAddresses, error) {
	derived, err := DeriveVault(programID, owner)
	if err != nil {
		return VaultAddresses{}, err
	}
	if derived.Metadata != metadata {
		return VaultAddresses{}, fmt.Errorf("metadata %s, expected %s: %w", metadata, derived.Metadata, ErrMismatch)
	}
	if derived.Data != data {
		return VaultAddresses{}, fmt.Errorf("data %s, expected %s: %w", data, derived.Data, ErrMismatch)
	}
	return derived, nil
}

package domain

import (
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Identity is an authenticated caller: the hex-encoded ed25519 public key
// of the signer (see internal/auth).
type Identity string

// AssetID is the caller-chosen identifier of the item a listing sells.
type AssetID string

// Address is the deterministic location of a ledger account.
// Every address is a pure function of its parent identifiers, so callers can
// compute it before submitting a command.
type Address [32]byte

// Seeds separate the address spaces of the different account kinds.
const (
	seedMarketplace = "marketplace"
	seedMerchant    = "merchant"
	seedListing     = "listing"
	seedEscrow      = "escrow"
	seedVault       = "vault"
	seedWallet      = "wallet"
	seedTreasury    = "treasury"
)

func derive(seed string, parts ...[]byte) Address {
	h := sha3.New256()
	writePart(h, []byte(seed))
	for _, p := range parts {
		writePart(h, p)
	}
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// writePart length-prefixes every part so ("ab","c") and ("a","bc") never collide.
func writePart(h hash.Hash, p []byte) {
	n := len(p)
	h.Write([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	h.Write(p)
}

// MarketplaceAddress ← authority.
func MarketplaceAddress(authority Identity) Address {
	return derive(seedMarketplace, []byte(authority))
}

// MerchantAddress ← (marketplace, owner).
func MerchantAddress(marketplace Address, owner Identity) Address {
	return derive(seedMerchant, marketplace[:], []byte(owner))
}

// ListingAddress ← (marketplace, merchant, asset).
func ListingAddress(marketplace, merchant Address, asset AssetID) Address {
	return derive(seedListing, marketplace[:], merchant[:], []byte(asset))
}

// EscrowAddress ← (listing, buyer).
func EscrowAddress(listing Address, buyer Identity) Address {
	return derive(seedEscrow, listing[:], []byte(buyer))
}

// VaultAddress ← escrow.
func VaultAddress(escrow Address) Address {
	return derive(seedVault, escrow[:])
}

// WalletAddress ← identity. Holds the identity's spendable balance.
func WalletAddress(id Identity) Address {
	return derive(seedWallet, []byte(id))
}

// TreasuryAddress ← marketplace. Collects marketplace fees.
func TreasuryAddress(marketplace Address) Address {
	return derive(seedTreasury, marketplace[:])
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 8 hex characters, for logs.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a 64-character hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("invalid address %q: want %d bytes, got %d", s, len(a), len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

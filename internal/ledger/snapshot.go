package ledger

import (
	"bytes"
	"fmt"
	"slices"

	"konnect/internal/domain"
	"konnect/pkg/quant"
)

// Image is the serializable form of a State, written by the snapshot manager.
type Image struct {
	Marketplaces []domain.Marketplace              `json:"marketplaces"`
	Merchants    []domain.Merchant                 `json:"merchants"`
	Listings     []domain.Listing                  `json:"listings"`
	Escrows      []domain.Escrow                   `json:"escrows"`
	Settled      []domain.Escrow                   `json:"settled"`
	Vaults       map[domain.Address]domain.Address `json:"vaults"`
	Balances     map[domain.Address]string         `json:"balances"`
	Supply       quant.Amount                      `json:"supply,string"`
}

// Export copies the committed state into an Image.
func (s *State) Export() Image {
	img := Image{
		Vaults:   make(map[domain.Address]domain.Address, len(s.vaults)),
		Balances: make(map[domain.Address]string, len(s.balances)),
		Supply:   s.supply,
	}
	for _, m := range s.marketplaces {
		img.Marketplaces = append(img.Marketplaces, *m)
	}
	for _, m := range s.merchants {
		img.Merchants = append(img.Merchants, *m)
	}
	for _, l := range s.listings {
		img.Listings = append(img.Listings, *l)
	}
	for _, e := range s.escrows {
		img.Escrows = append(img.Escrows, *e)
	}
	for _, e := range s.settled {
		img.Settled = append(img.Settled, *e)
	}
	for v, owner := range s.vaults {
		img.Vaults[v] = *owner
	}
	for a, b := range s.balances {
		img.Balances[a] = b.String()
	}

	// Map iteration order is random; keep images byte-stable.
	slices.SortFunc(img.Marketplaces, func(a, b domain.Marketplace) int { return bytes.Compare(a.Address[:], b.Address[:]) })
	slices.SortFunc(img.Merchants, func(a, b domain.Merchant) int { return bytes.Compare(a.Address[:], b.Address[:]) })
	slices.SortFunc(img.Listings, func(a, b domain.Listing) int { return bytes.Compare(a.Address[:], b.Address[:]) })
	slices.SortFunc(img.Escrows, byEscrowAddress)
	slices.SortFunc(img.Settled, byEscrowAddress)
	return img
}

func byEscrowAddress(a, b domain.Escrow) int {
	return bytes.Compare(a.Address[:], b.Address[:])
}

// Restore rebuilds a State from an Image and checks its invariants.
func Restore(img Image) (*State, error) {
	s := NewState()
	for _, m := range img.Marketplaces {
		s.marketplaces[m.Address] = &m
	}
	for _, m := range img.Merchants {
		s.merchants[m.Address] = &m
	}
	for _, l := range img.Listings {
		s.listings[l.Address] = &l
	}
	for _, e := range img.Escrows {
		s.escrows[e.Address] = &e
	}
	for _, e := range img.Settled {
		s.settled[e.Address] = &e
	}
	for v, owner := range img.Vaults {
		s.vaults[v] = &owner
	}
	for a, raw := range img.Balances {
		b, err := quant.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance of %s: %w", a.Short(), err)
		}
		s.balances[a] = &b
	}
	s.supply = img.Supply

	if err := s.VerifyInvariants(); err != nil {
		return nil, fmt.Errorf("restored state is inconsistent: %w", err)
	}
	return s, nil
}

package engine

import (
	"fmt"

	"konnect/internal/domain"
	"konnect/internal/event"
	"konnect/internal/ledger"
)

func createListing(tx *ledger.Tx, e *event.CreateListingEvent) (domain.Address, error) {
	m, ok := tx.Merchant(e.Merchant)
	if !ok {
		return domain.Address{}, fmt.Errorf("create listing under %s: %w", e.Merchant.Short(), domain.ErrNotFound)
	}
	if m.Owner != e.Caller {
		return domain.Address{}, fmt.Errorf("create listing under %s: %w", m.Address.Short(), domain.ErrUnauthorized)
	}
	if e.Price == 0 {
		return domain.Address{}, fmt.Errorf("create listing %q: %w", e.Asset, domain.ErrInvalidPrice)
	}

	addr := domain.ListingAddress(m.Marketplace, m.Address, e.Asset)
	if _, ok := tx.Listing(addr); ok {
		return addr, fmt.Errorf("create listing %s: %w", addr.Short(), domain.ErrAlreadyExists)
	}

	tx.PutListing(domain.Listing{
		Address:     addr,
		Marketplace: m.Marketplace,
		Merchant:    m.Address,
		Asset:       e.Asset,
		Price:       e.Price,
		Quantity:    e.Quantity,
		IsService:   e.IsService,
		Active:      true,
	})
	return addr, nil
}

func updateListing(tx *ledger.Tx, e *event.UpdateListingEvent) (domain.Address, error) {
	l, ok := tx.Listing(e.Listing)
	if !ok {
		return e.Listing, fmt.Errorf("update listing %s: %w", e.Listing.Short(), domain.ErrNotFound)
	}
	m, ok := tx.Merchant(l.Merchant)
	if !ok {
		return l.Address, fmt.Errorf("update listing %s: merchant %w", l.Address.Short(), domain.ErrNotFound)
	}
	if m.Owner != e.Caller {
		return l.Address, fmt.Errorf("update listing %s: %w", l.Address.Short(), domain.ErrUnauthorized)
	}

	if e.Price != nil {
		if *e.Price == 0 {
			return l.Address, fmt.Errorf("update listing %s: %w", l.Address.Short(), domain.ErrInvalidPrice)
		}
		l.Price = *e.Price
	}
	if e.Quantity != nil {
		l.Quantity = *e.Quantity
	}
	if e.Active != nil {
		l.Active = *e.Active
	}

	tx.PutListing(l)
	return l.Address, nil
}

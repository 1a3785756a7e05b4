package engine

import (
	"fmt"

	"konnect/internal/domain"
	"konnect/internal/event"
	"konnect/internal/ledger"
)

// --- MarketplaceRegistry ---

func initMarketplace(tx *ledger.Tx, e *event.InitMarketplaceEvent) (domain.Address, error) {
	if !e.FeeBps.Valid() {
		return domain.Address{}, fmt.Errorf("init marketplace at %s: %w", e.FeeBps, domain.ErrFeeTooHigh)
	}

	addr := domain.MarketplaceAddress(e.Caller)
	if _, ok := tx.Marketplace(addr); ok {
		return addr, fmt.Errorf("init marketplace %s: %w", addr.Short(), domain.ErrAlreadyExists)
	}

	tx.PutMarketplace(domain.Marketplace{
		Address:   addr,
		Authority: e.Caller,
		FeeBps:    e.FeeBps,
	})
	return addr, nil
}

func updateMarketplace(tx *ledger.Tx, e *event.UpdateMarketplaceEvent) (domain.Address, error) {
	mp, ok := tx.Marketplace(e.Marketplace)
	if !ok {
		return e.Marketplace, fmt.Errorf("update marketplace %s: %w", e.Marketplace.Short(), domain.ErrNotFound)
	}
	if mp.Authority != e.Caller {
		return mp.Address, fmt.Errorf("update marketplace %s: %w", mp.Address.Short(), domain.ErrUnauthorized)
	}

	if e.FeeBps != nil {
		if !e.FeeBps.Valid() {
			return mp.Address, fmt.Errorf("update marketplace %s to %s: %w", mp.Address.Short(), *e.FeeBps, domain.ErrFeeTooHigh)
		}
		mp.FeeBps = *e.FeeBps
	}
	if e.Authority != nil {
		if *e.Authority == "" {
			return mp.Address, fmt.Errorf("update marketplace %s: empty authority: %w", mp.Address.Short(), domain.ErrUnauthorized)
		}
		mp.Authority = *e.Authority
	}

	tx.PutMarketplace(mp)
	return mp.Address, nil
}

// --- MerchantRegistry ---

func registerMerchant(tx *ledger.Tx, e *event.RegisterMerchantEvent) (domain.Address, error) {
	if _, ok := tx.Marketplace(e.Marketplace); !ok {
		return domain.Address{}, fmt.Errorf("register merchant in %s: %w", e.Marketplace.Short(), domain.ErrNotFound)
	}

	addr := domain.MerchantAddress(e.Marketplace, e.Caller)
	if _, ok := tx.Merchant(addr); ok {
		return addr, fmt.Errorf("register merchant %s: %w", addr.Short(), domain.ErrAlreadyExists)
	}

	tx.PutMerchant(domain.Merchant{
		Address:     addr,
		Marketplace: e.Marketplace,
		Owner:       e.Caller,
		Verified:    false,
	})
	return addr, nil
}

func setMerchantStatus(tx *ledger.Tx, e *event.SetMerchantStatusEvent) (domain.Address, error) {
	m, ok := tx.Merchant(e.Merchant)
	if !ok {
		return e.Merchant, fmt.Errorf("set merchant status %s: %w", e.Merchant.Short(), domain.ErrNotFound)
	}
	mp, ok := tx.Marketplace(m.Marketplace)
	if !ok {
		return m.Address, fmt.Errorf("set merchant status %s: marketplace %w", m.Address.Short(), domain.ErrNotFound)
	}
	if mp.Authority != e.Caller {
		return m.Address, fmt.Errorf("set merchant status %s: %w", m.Address.Short(), domain.ErrUnauthorized)
	}

	m.Verified = e.Verified
	tx.PutMerchant(m)
	return m.Address, nil
}

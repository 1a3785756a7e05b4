package engine

import (
	"fmt"

	"konnect/internal/domain"
	"konnect/internal/event"
	"konnect/internal/ledger"
	"konnect/pkg/quant"
)

// counterparties resolves who gets paid for a listing: the merchant owner and
// the marketplace (fee rate and treasury).
func counterparties(tx *ledger.Tx, l domain.Listing) (domain.Marketplace, domain.Merchant, error) {
	mp, ok := tx.Marketplace(l.Marketplace)
	if !ok {
		return domain.Marketplace{}, domain.Merchant{}, fmt.Errorf("marketplace %s: %w", l.Marketplace.Short(), domain.ErrNotFound)
	}
	m, ok := tx.Merchant(l.Merchant)
	if !ok {
		return domain.Marketplace{}, domain.Merchant{}, fmt.Errorf("merchant %s: %w", l.Merchant.Short(), domain.ErrNotFound)
	}
	return mp, m, nil
}

// buyNow settles a goods purchase in one step:
// buyer pays total, merchant owner gets total-fee, treasury gets fee.
func buyNow(tx *ledger.Tx, e *event.BuyNowEvent) (domain.Address, error) {
	l, ok := tx.Listing(e.Listing)
	if !ok {
		return e.Listing, fmt.Errorf("buy now %s: %w", e.Listing.Short(), domain.ErrNotFound)
	}
	if !l.Active {
		return l.Address, fmt.Errorf("buy now %s: %w", l.Address.Short(), domain.ErrListingInactive)
	}
	if l.IsService {
		return l.Address, fmt.Errorf("buy now %s: %w", l.Address.Short(), domain.ErrListingIsService)
	}
	if e.Quantity == 0 {
		return l.Address, fmt.Errorf("buy now %s: %w", l.Address.Short(), domain.ErrInvalidQuantity)
	}
	if e.Quantity > l.Quantity {
		return l.Address, fmt.Errorf("buy now %s: want %d, have %d: %w",
			l.Address.Short(), e.Quantity, l.Quantity, domain.ErrInsufficientQuantity)
	}

	mp, m, err := counterparties(tx, l)
	if err != nil {
		return l.Address, fmt.Errorf("buy now %s: %w", l.Address.Short(), err)
	}

	total, err := quant.LineTotal(l.Price, e.Quantity)
	if err != nil {
		return l.Address, overflow("buy now total", err)
	}
	fee, sellerAmount, err := quant.SplitFee(total, mp.FeeBps)
	if err != nil {
		return l.Address, overflow("buy now fee", err)
	}

	buyer := domain.WalletAddress(e.Caller)
	if err := tx.Transfer(buyer, domain.WalletAddress(m.Owner), sellerAmount); err != nil {
		return l.Address, fmt.Errorf("buy now %s: %w", l.Address.Short(), err)
	}
	if err := tx.Transfer(buyer, mp.Treasury(), fee); err != nil {
		return l.Address, fmt.Errorf("buy now %s: %w", l.Address.Short(), err)
	}

	l.Quantity -= e.Quantity
	tx.PutListing(l)
	return l.Address, nil
}

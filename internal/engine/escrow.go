package engine

import (
	"fmt"

	"konnect/internal/domain"
	"konnect/internal/event"
	"konnect/internal/ledger"
	"konnect/pkg/quant"
)

// Escrow lifecycle: HOLDING -> RELEASED | REFUNDED. Both outcomes are terminal.
// Funds in the vault move only through DrainVault with the escrow's address,
// and only the buyer can trigger either outcome.

func createServiceOrder(tx *ledger.Tx, e *event.CreateServiceOrderEvent) (domain.Address, error) {
	l, ok := tx.Listing(e.Listing)
	if !ok {
		return e.Listing, fmt.Errorf("create service order on %s: %w", e.Listing.Short(), domain.ErrNotFound)
	}
	if !l.Active {
		return l.Address, fmt.Errorf("create service order on %s: %w", l.Address.Short(), domain.ErrListingInactive)
	}
	if !l.IsService {
		return l.Address, fmt.Errorf("create service order on %s: %w", l.Address.Short(), domain.ErrListingNotService)
	}

	addr := domain.EscrowAddress(l.Address, e.Caller)
	if _, ok := tx.Escrow(addr); ok {
		return addr, fmt.Errorf("create service order %s: %w", addr.Short(), domain.ErrAlreadyExists)
	}

	vault := domain.VaultAddress(addr)
	if err := tx.OpenVault(vault, addr); err != nil {
		return addr, fmt.Errorf("create service order %s: %w", addr.Short(), err)
	}
	if err := tx.FundVault(vault, domain.WalletAddress(e.Caller), l.Price); err != nil {
		return addr, fmt.Errorf("create service order %s: %w", addr.Short(), err)
	}

	tx.PutEscrow(domain.Escrow{
		Address:      addr,
		Listing:      l.Address,
		Buyer:        e.Caller,
		Vault:        vault,
		Amount:       l.Price,
		ReferenceKey: e.ReferenceKey,
		Released:     false,
		Status:       domain.EscrowHolding,
	})
	return addr, nil
}

func releaseServiceOrder(tx *ledger.Tx, e *event.ReleaseServiceOrderEvent) (domain.Address, error) {
	es, err := holdingEscrow(tx, e.Escrow, e.Caller)
	if err != nil {
		return e.Escrow, fmt.Errorf("release service order: %w", err)
	}
	l, ok := tx.Listing(es.Listing)
	if !ok {
		return es.Address, fmt.Errorf("release service order %s: listing %w", es.Address.Short(), domain.ErrNotFound)
	}
	mp, m, err := counterparties(tx, l)
	if err != nil {
		return es.Address, fmt.Errorf("release service order %s: %w", es.Address.Short(), err)
	}

	held := tx.Balance(es.Vault)
	fee, sellerAmount, err := quant.SplitFee(held, mp.FeeBps)
	if err != nil {
		return es.Address, overflow("release service order fee", err)
	}
	if err := tx.DrainVault(es.Address, es.Vault, domain.WalletAddress(m.Owner), sellerAmount); err != nil {
		return es.Address, fmt.Errorf("release service order %s: %w", es.Address.Short(), err)
	}
	if err := tx.DrainVault(es.Address, es.Vault, mp.Treasury(), fee); err != nil {
		return es.Address, fmt.Errorf("release service order %s: %w", es.Address.Short(), err)
	}

	return es.Address, resolve(tx, es, domain.EscrowReleased)
}

func cancelServiceOrder(tx *ledger.Tx, e *event.CancelServiceOrderEvent) (domain.Address, error) {
	es, err := holdingEscrow(tx, e.Escrow, e.Caller)
	if err != nil {
		return e.Escrow, fmt.Errorf("cancel service order: %w", err)
	}

	held := tx.Balance(es.Vault)
	if err := tx.DrainVault(es.Address, es.Vault, domain.WalletAddress(es.Buyer), held); err != nil {
		return es.Address, fmt.Errorf("cancel service order %s: %w", es.Address.Short(), err)
	}

	return es.Address, resolve(tx, es, domain.EscrowRefunded)
}

// holdingEscrow loads an escrow the caller may resolve.
func holdingEscrow(tx *ledger.Tx, addr domain.Address, caller domain.Identity) (domain.Escrow, error) {
	es, ok := tx.Escrow(addr)
	if !ok {
		settled, ok := tx.Settled(addr)
		if !ok {
			return domain.Escrow{}, fmt.Errorf("escrow %s: %w", addr.Short(), domain.ErrNotFound)
		}
		if settled.Buyer != caller {
			return domain.Escrow{}, fmt.Errorf("escrow %s: %w", addr.Short(), domain.ErrUnauthorized)
		}
		return domain.Escrow{}, fmt.Errorf("escrow %s is %s: %w", addr.Short(), settled.Status, domain.ErrAlreadyResolved)
	}
	if es.Buyer != caller {
		return domain.Escrow{}, fmt.Errorf("escrow %s: %w", addr.Short(), domain.ErrUnauthorized)
	}
	if es.IsTerminal() {
		// Live escrows are never released; Settle moves them out first.
		panic(fmt.Sprintf("LEDGER_CORRUPTED: released escrow %s still holding", addr.Short()))
	}
	return es, nil
}

// resolve closes the emptied vault and archives the escrow with its outcome.
func resolve(tx *ledger.Tx, es domain.Escrow, status domain.EscrowStatus) error {
	if err := tx.CloseVault(es.Address, es.Vault); err != nil {
		return fmt.Errorf("resolve escrow %s: %w", es.Address.Short(), err)
	}
	es.Released = true
	es.Status = status
	if err := tx.Settle(es); err != nil {
		return fmt.Errorf("resolve escrow %s: %w", es.Address.Short(), err)
	}
	return nil
}

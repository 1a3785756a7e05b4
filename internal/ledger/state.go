package ledger

import (
	"fmt"

	"konnect/internal/domain"
	"konnect/pkg/quant"
	"konnect/pkg/safe"
)

// State is the committed ledger: every record and balance account, keyed by
// derived address. It is not safe for concurrent use; the sequencer owns it.
type State struct {
	marketplaces map[domain.Address]*domain.Marketplace
	merchants    map[domain.Address]*domain.Merchant
	listings     map[domain.Address]*domain.Listing
	escrows      map[domain.Address]*domain.Escrow // Holding only
	settled      map[domain.Address]*domain.Escrow // Last resolution per escrow address
	vaults       map[domain.Address]*domain.Address
	balances     map[domain.Address]*quant.Amount

	// supply is the total amount ever deposited. Sum of balances must equal it.
	supply quant.Amount
}

// NewState creates an empty ledger.
func NewState() *State {
	return &State{
		marketplaces: make(map[domain.Address]*domain.Marketplace),
		merchants:    make(map[domain.Address]*domain.Merchant),
		listings:     make(map[domain.Address]*domain.Listing),
		escrows:      make(map[domain.Address]*domain.Escrow),
		settled:      make(map[domain.Address]*domain.Escrow),
		vaults:       make(map[domain.Address]*domain.Address),
		balances:     make(map[domain.Address]*quant.Amount),
	}
}

// Begin opens a transaction over the committed state.
func (s *State) Begin() *Tx {
	return &Tx{
		st:           s,
		marketplaces: newOverlay(s.marketplaces),
		merchants:    newOverlay(s.merchants),
		listings:     newOverlay(s.listings),
		escrows:      newOverlay(s.escrows),
		settled:      newOverlay(s.settled),
		vaults:       newOverlay(s.vaults),
		balances:     newOverlay(s.balances),
		supply:       s.supply,
	}
}

// Marketplace returns a copy of a committed marketplace.
func (s *State) Marketplace(a domain.Address) (domain.Marketplace, bool) {
	return lookup(s.marketplaces, a)
}

// Merchant returns a copy of a committed merchant.
func (s *State) Merchant(a domain.Address) (domain.Merchant, bool) {
	return lookup(s.merchants, a)
}

// Listing returns a copy of a committed listing.
func (s *State) Listing(a domain.Address) (domain.Listing, bool) {
	return lookup(s.listings, a)
}

// Escrow returns a copy of an escrow, live or settled.
func (s *State) Escrow(a domain.Address) (domain.Escrow, bool) {
	if e, ok := lookup(s.escrows, a); ok {
		return e, true
	}
	return lookup(s.settled, a)
}

// Balance returns the committed balance of any account. Missing accounts hold zero.
func (s *State) Balance(a domain.Address) quant.Amount {
	if b, ok := s.balances[a]; ok {
		return *b
	}
	return 0
}

// HasAccount reports whether a balance account exists (e.g., an open vault).
func (s *State) HasAccount(a domain.Address) bool {
	_, ok := s.balances[a]
	return ok
}

// Supply returns the total amount deposited into the ledger.
func (s *State) Supply() quant.Amount {
	return s.supply
}

// HoldingEscrows returns the number of unresolved escrows and the value in their vaults.
func (s *State) HoldingEscrows() (count int, value quant.Amount) {
	for _, e := range s.escrows {
		count++
		value = quant.Amount(safe.MustAdd(uint64(value), uint64(s.Balance(e.Vault))))
	}
	return count, value
}

// VerifyInvariants checks conservation and custody. A failure means the
// ledger is corrupted, not that a command was invalid.
func (s *State) VerifyInvariants() error {
	var total quant.Amount
	for _, b := range s.balances {
		total = quant.Amount(safe.MustAdd(uint64(total), uint64(*b)))
	}
	if total != s.supply {
		return fmt.Errorf("INVARIANT_CONSERVATION: balances %d != supply %d", total, s.supply)
	}

	for addr, e := range s.escrows {
		if e.Released {
			return fmt.Errorf("INVARIANT_ESCROW: released escrow %s still live", addr.Short())
		}
		owner, ok := s.vaults[e.Vault]
		if !ok || *owner != addr {
			return fmt.Errorf("INVARIANT_CUSTODY: escrow %s does not own vault %s", addr.Short(), e.Vault.Short())
		}
		if bal := s.Balance(e.Vault); bal != e.Amount {
			return fmt.Errorf("INVARIANT_VAULT: vault %s holds %d, escrow funded %d", e.Vault.Short(), bal, e.Amount)
		}
	}
	for vault, owner := range s.vaults {
		if _, ok := s.escrows[*owner]; !ok {
			return fmt.Errorf("INVARIANT_CUSTODY: orphan vault %s", vault.Short())
		}
	}

	for addr, m := range s.marketplaces {
		if !m.FeeBps.Valid() {
			return fmt.Errorf("INVARIANT_FEE: marketplace %s fee %s", addr.Short(), m.FeeBps)
		}
	}
	return nil
}

func lookup[T any](m map[domain.Address]*T, a domain.Address) (T, bool) {
	if v, ok := m[a]; ok {
		return *v, true
	}
	var zero T
	return zero, false
}

package ledger

import (
	"fmt"

	"konnect/internal/domain"
	"konnect/pkg/quant"
	"konnect/pkg/safe"
)

// overlay stages writes and deletes over one committed table.
// Reads fall through to the base map unless the key was touched.
type overlay[T any] struct {
	base    map[domain.Address]*T
	writes  map[domain.Address]T
	deletes map[domain.Address]struct{}
}

func newOverlay[T any](base map[domain.Address]*T) *overlay[T] {
	return &overlay[T]{
		base:    base,
		writes:  make(map[domain.Address]T),
		deletes: make(map[domain.Address]struct{}),
	}
}

func (o *overlay[T]) get(a domain.Address) (T, bool) {
	if _, gone := o.deletes[a]; gone {
		var zero T
		return zero, false
	}
	if v, ok := o.writes[a]; ok {
		return v, true
	}
	return lookup(o.base, a)
}

func (o *overlay[T]) has(a domain.Address) bool {
	_, ok := o.get(a)
	return ok
}

func (o *overlay[T]) put(a domain.Address, v T) {
	delete(o.deletes, a)
	o.writes[a] = v
}

func (o *overlay[T]) del(a domain.Address) {
	delete(o.writes, a)
	o.deletes[a] = struct{}{}
}

func (o *overlay[T]) commit() {
	for a := range o.deletes {
		delete(o.base, a)
	}
	for a, v := range o.writes {
		o.base[a] = &v
	}
}

// Transfer is one balance movement inside a committed command.
type Transfer struct {
	From   domain.Address `json:"from"`
	To     domain.Address `json:"to"`
	Amount quant.Amount   `json:"amount,string"`
}

// Tx stages every effect of one command. Nothing is visible in the State
// until Commit; Rollback (or simply dropping the Tx) discards it all.
type Tx struct {
	st *State

	marketplaces *overlay[domain.Marketplace]
	merchants    *overlay[domain.Merchant]
	listings     *overlay[domain.Listing]
	escrows      *overlay[domain.Escrow]
	settled      *overlay[domain.Escrow]
	vaults       *overlay[domain.Address]
	balances     *overlay[quant.Amount]

	supply    quant.Amount
	transfers []Transfer
	done      bool
}

// --- Records ---

// Marketplace returns the staged or committed marketplace at a.
func (tx *Tx) Marketplace(a domain.Address) (domain.Marketplace, bool) {
	return tx.marketplaces.get(a)
}

// PutMarketplace stages a create or update.
func (tx *Tx) PutMarketplace(m domain.Marketplace) {
	tx.marketplaces.put(m.Address, m)
}

// Merchant returns the staged or committed merchant at a.
func (tx *Tx) Merchant(a domain.Address) (domain.Merchant, bool) {
	return tx.merchants.get(a)
}

// PutMerchant stages a create or update.
func (tx *Tx) PutMerchant(m domain.Merchant) {
	tx.merchants.put(m.Address, m)
}

// Listing returns the staged or committed listing at a.
func (tx *Tx) Listing(a domain.Address) (domain.Listing, bool) {
	return tx.listings.get(a)
}

// PutListing stages a create or update.
func (tx *Tx) PutListing(l domain.Listing) {
	tx.listings.put(l.Address, l)
}

// Escrow returns a Holding escrow. Resolved escrows are only visible
// through Settled.
func (tx *Tx) Escrow(a domain.Address) (domain.Escrow, bool) {
	return tx.escrows.get(a)
}

// Settled returns the last resolution recorded at an escrow address.
func (tx *Tx) Settled(a domain.Address) (domain.Escrow, bool) {
	return tx.settled.get(a)
}

// PutEscrow stages a Holding escrow. Resolved ones go through Settle.
func (tx *Tx) PutEscrow(e domain.Escrow) {
	tx.escrows.put(e.Address, e)
}

// Settle archives a resolved escrow and frees its address for a new order.
// The vault must already be closed.
func (tx *Tx) Settle(e domain.Escrow) error {
	if !e.IsTerminal() {
		return fmt.Errorf("settle escrow %s: still holding", e.Address.Short())
	}
	if tx.vaults.has(e.Vault) {
		return fmt.Errorf("settle escrow %s: %w", e.Address.Short(), domain.ErrVaultNotEmpty)
	}
	tx.escrows.del(e.Address)
	tx.settled.put(e.Address, e)
	return nil
}

// --- Balances ---

// Balance returns the staged balance of any account.
func (tx *Tx) Balance(a domain.Address) quant.Amount {
	b, _ := tx.balances.get(a)
	return b
}

// Mint credits an account from outside the ledger and grows the supply.
func (tx *Tx) Mint(to domain.Address, amount quant.Amount) error {
	if tx.isVault(to) {
		return fmt.Errorf("mint to %s: %w", to.Short(), domain.ErrCustody)
	}
	supply, err := safe.Add(uint64(tx.supply), uint64(amount))
	if err != nil {
		return fmt.Errorf("mint to %s: %w", to.Short(), domain.ErrArithmeticOverflow)
	}
	if err := tx.credit(to, amount); err != nil {
		return err
	}
	tx.supply = quant.Amount(supply)
	return nil
}

// Transfer moves funds between two non-vault accounts.
func (tx *Tx) Transfer(from, to domain.Address, amount quant.Amount) error {
	if tx.isVault(from) || tx.isVault(to) {
		return fmt.Errorf("transfer %s -> %s: %w", from.Short(), to.Short(), domain.ErrCustody)
	}
	return tx.move(from, to, amount)
}

func (tx *Tx) move(from, to domain.Address, amount quant.Amount) error {
	if amount == 0 {
		return nil
	}
	if err := tx.debit(from, amount); err != nil {
		return err
	}
	if err := tx.credit(to, amount); err != nil {
		return err
	}
	tx.transfers = append(tx.transfers, Transfer{From: from, To: to, Amount: amount})
	return nil
}

func (tx *Tx) debit(a domain.Address, amount quant.Amount) error {
	bal := tx.Balance(a)
	left, err := safe.Sub(uint64(bal), uint64(amount))
	if err != nil {
		return fmt.Errorf("debit %s: have %s, need %s: %w", a.Short(), bal, amount, domain.ErrInsufficientFunds)
	}
	tx.balances.put(a, quant.Amount(left))
	return nil
}

func (tx *Tx) credit(a domain.Address, amount quant.Amount) error {
	sum, err := safe.Add(uint64(tx.Balance(a)), uint64(amount))
	if err != nil {
		return fmt.Errorf("credit %s: %w", a.Short(), domain.ErrArithmeticOverflow)
	}
	tx.balances.put(a, quant.Amount(sum))
	return nil
}

// --- Vaults ---

func (tx *Tx) isVault(a domain.Address) bool {
	return tx.vaults.has(a)
}

// OpenVault creates an empty custody account owned by escrow.
func (tx *Tx) OpenVault(vault, escrow domain.Address) error {
	if tx.vaults.has(vault) || tx.balances.has(vault) {
		return fmt.Errorf("open vault %s: %w", vault.Short(), domain.ErrAlreadyExists)
	}
	tx.vaults.put(vault, escrow)
	tx.balances.put(vault, 0)
	return nil
}

// FundVault moves funds from a regular account into a vault.
func (tx *Tx) FundVault(vault, from domain.Address, amount quant.Amount) error {
	if !tx.isVault(vault) {
		return fmt.Errorf("fund vault %s: %w", vault.Short(), domain.ErrNotFound)
	}
	if tx.isVault(from) {
		return fmt.Errorf("fund vault %s from %s: %w", vault.Short(), from.Short(), domain.ErrCustody)
	}
	return tx.move(from, vault, amount)
}

// DrainVault pays out of a vault. Only the owning escrow may drain it.
func (tx *Tx) DrainVault(escrow, vault, to domain.Address, amount quant.Amount) error {
	owner, ok := tx.vaults.get(vault)
	if !ok {
		return fmt.Errorf("drain vault %s: %w", vault.Short(), domain.ErrNotFound)
	}
	if owner != escrow {
		return fmt.Errorf("drain vault %s by %s: %w", vault.Short(), escrow.Short(), domain.ErrCustody)
	}
	if tx.isVault(to) {
		return fmt.Errorf("drain vault %s into vault %s: %w", vault.Short(), to.Short(), domain.ErrCustody)
	}
	return tx.move(vault, to, amount)
}

// CloseVault reclaims an empty vault.
func (tx *Tx) CloseVault(escrow, vault domain.Address) error {
	owner, ok := tx.vaults.get(vault)
	if !ok {
		return fmt.Errorf("close vault %s: %w", vault.Short(), domain.ErrNotFound)
	}
	if owner != escrow {
		return fmt.Errorf("close vault %s by %s: %w", vault.Short(), escrow.Short(), domain.ErrCustody)
	}
	if bal := tx.Balance(vault); bal != 0 {
		return fmt.Errorf("close vault %s holding %s: %w", vault.Short(), bal, domain.ErrVaultNotEmpty)
	}
	tx.vaults.del(vault)
	tx.balances.del(vault)
	return nil
}

// Transfers returns the balance movements staged so far, in order.
func (tx *Tx) Transfers() []Transfer {
	out := make([]Transfer, len(tx.transfers))
	copy(out, tx.transfers)
	return out
}

// Commit applies every staged effect to the State. A Tx commits at most once.
func (tx *Tx) Commit() {
	if tx.done {
		panic("LEDGER_TX_REUSED")
	}
	tx.done = true

	tx.marketplaces.commit()
	tx.merchants.commit()
	tx.listings.commit()
	tx.escrows.commit()
	tx.settled.commit()
	tx.vaults.commit()
	tx.balances.commit()
	tx.st.supply = tx.supply
}

// Rollback discards the Tx.
func (tx *Tx) Rollback() {
	tx.done = true
}

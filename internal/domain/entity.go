package domain

import "konnect/pkg/quant"

// Marketplace holds fee configuration and the authority that controls it.
type Marketplace struct {
	Address   Address   `json:"address"`
	Authority Identity  `json:"authority"`
	FeeBps    quant.Bps `json:"fee_bps"`
}

// Treasury is where the marketplace's fees accumulate.
func (m *Marketplace) Treasury() Address {
	return TreasuryAddress(m.Address)
}

// Merchant is a seller registered under one marketplace.
type Merchant struct {
	Address     Address  `json:"address"`
	Marketplace Address  `json:"marketplace"`
	Owner       Identity `json:"owner"`
	Verified    bool     `json:"verified"`
}

// Listing is an item (goods) or a service offered by a merchant.
type Listing struct {
	Address     Address      `json:"address"`
	Marketplace Address      `json:"marketplace"`
	Merchant    Address      `json:"merchant"`
	Asset       AssetID      `json:"asset"`
	Price       quant.Amount `json:"price,string"`
	Quantity    uint32       `json:"quantity"`
	IsService   bool         `json:"is_service"`
	Active      bool         `json:"active"`
}

// EscrowStatus is the lifecycle state of a service order.
type EscrowStatus string

const (
	EscrowHolding  EscrowStatus = "HOLDING"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

// Escrow holds a buyer's payment for a service listing in its vault until
// the buyer releases it to the merchant or cancels for a refund.
type Escrow struct {
	Address      Address      `json:"address"`
	Listing      Address      `json:"listing"`
	Buyer        Identity     `json:"buyer"`
	Vault        Address      `json:"vault"`
	Amount       quant.Amount `json:"amount,string"` // Funded amount, for reporting
	ReferenceKey string       `json:"reference_key,omitempty"`
	Released     bool         `json:"released"`
	Status       EscrowStatus `json:"status"`
}

// IsTerminal reports whether the escrow has been released or refunded.
func (e *Escrow) IsTerminal() bool {
	return e.Released
}

package event

import (
	"konnect/internal/domain"
	"konnect/pkg/quant"
)

// Type defines the type of event.
type Type uint16

const (
	EvDeposit Type = iota + 1
	EvInitMarketplace
	EvUpdateMarketplace
	EvRegisterMerchant
	EvSetMerchantStatus
	EvCreateListing
	EvUpdateListing
	EvBuyNow
	EvCreateServiceOrder
	EvReleaseServiceOrder
	EvCancelServiceOrder
)

var typeNames = map[Type]string{
	EvDeposit:             "deposit",
	EvInitMarketplace:     "initMarketplace",
	EvUpdateMarketplace:   "updateMarketplace",
	EvRegisterMerchant:    "registerMerchant",
	EvSetMerchantStatus:   "setMerchantStatus",
	EvCreateListing:       "createListing",
	EvUpdateListing:       "updateListing",
	EvBuyNow:              "buyNow",
	EvCreateServiceOrder:  "createServiceOrder",
	EvReleaseServiceOrder: "releaseServiceOrder",
	EvCancelServiceOrder:  "cancelServiceOrder",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseType resolves an operation name (e.g., "buyNow") to its Type.
func ParseType(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Event is the interface for all sequencer events.
// Every event is a command from one authenticated caller.
type Event interface {
	GetSeq() uint64
	GetTs() quant.TimeStamp
	GetType() Type
	GetCaller() domain.Identity
	Stamp(seq uint64, ts quant.TimeStamp)
	Base() *BaseEvent
}

// Referenced is implemented by commands that carry a caller Reference Key.
type Referenced interface {
	GetReferenceKey() string
}

// BaseEvent contains common fields for all events.
// Seq and Ts are assigned by the sequencer, never by the caller.
type BaseEvent struct {
	Seq    uint64          `json:"seq"`
	Ts     quant.TimeStamp `json:"ts"`
	Caller domain.Identity `json:"caller"`
}

func (e *BaseEvent) GetSeq() uint64             { return e.Seq }
func (e *BaseEvent) GetTs() quant.TimeStamp     { return e.Ts }
func (e *BaseEvent) GetCaller() domain.Identity { return e.Caller }

func (e *BaseEvent) Base() *BaseEvent { return e }

func (e *BaseEvent) Stamp(seq uint64, ts quant.TimeStamp) {
	e.Seq = seq
	e.Ts = ts
}

// DepositEvent credits the caller's wallet from outside the ledger.
type DepositEvent struct {
	BaseEvent
	Amount quant.Amount `json:"amount,string"`
}

func (e *DepositEvent) GetType() Type { return EvDeposit }

// InitMarketplaceEvent creates the caller's marketplace.
type InitMarketplaceEvent struct {
	BaseEvent
	FeeBps quant.Bps `json:"fee_bps"`
}

func (e *InitMarketplaceEvent) GetType() Type { return EvInitMarketplace }

// UpdateMarketplaceEvent changes fee and/or authority. Nil fields are left unchanged.
type UpdateMarketplaceEvent struct {
	BaseEvent
	Marketplace domain.Address   `json:"marketplace"`
	FeeBps      *quant.Bps       `json:"fee_bps,omitempty"`
	Authority   *domain.Identity `json:"authority,omitempty"`
}

func (e *UpdateMarketplaceEvent) GetType() Type { return EvUpdateMarketplace }

// RegisterMerchantEvent registers the caller as a merchant of a marketplace.
type RegisterMerchantEvent struct {
	BaseEvent
	Marketplace domain.Address `json:"marketplace"`
}

func (e *RegisterMerchantEvent) GetType() Type { return EvRegisterMerchant }

// SetMerchantStatusEvent sets the verified flag of a merchant.
type SetMerchantStatusEvent struct {
	BaseEvent
	Merchant domain.Address `json:"merchant"`
	Verified bool           `json:"verified"`
}

func (e *SetMerchantStatusEvent) GetType() Type { return EvSetMerchantStatus }

// CreateListingEvent lists an asset under the caller's merchant.
type CreateListingEvent struct {
	BaseEvent
	Merchant  domain.Address `json:"merchant"`
	Asset     domain.AssetID `json:"asset"`
	Price     quant.Amount   `json:"price,string"`
	Quantity  uint32         `json:"quantity"`
	IsService bool           `json:"is_service"`
}

func (e *CreateListingEvent) GetType() Type { return EvCreateListing }

// UpdateListingEvent changes any subset of price, quantity and active.
// A nil field is unchanged; an explicit zero or false is applied.
type UpdateListingEvent struct {
	BaseEvent
	Listing  domain.Address `json:"listing"`
	Price    *quant.Amount  `json:"price,omitempty,string"`
	Quantity *uint32        `json:"quantity,omitempty"`
	Active   *bool          `json:"active,omitempty"`
}

func (e *UpdateListingEvent) GetType() Type { return EvUpdateListing }

// BuyNowEvent purchases goods immediately.
type BuyNowEvent struct {
	BaseEvent
	Listing      domain.Address `json:"listing"`
	Quantity     uint32         `json:"quantity"`
	ReferenceKey string         `json:"reference_key,omitempty"`
}

func (e *BuyNowEvent) GetType() Type           { return EvBuyNow }
func (e *BuyNowEvent) GetReferenceKey() string { return e.ReferenceKey }

// CreateServiceOrderEvent opens an escrow for a service listing.
type CreateServiceOrderEvent struct {
	BaseEvent
	Listing      domain.Address `json:"listing"`
	ReferenceKey string         `json:"reference_key,omitempty"`
}

func (e *CreateServiceOrderEvent) GetType() Type           { return EvCreateServiceOrder }
func (e *CreateServiceOrderEvent) GetReferenceKey() string { return e.ReferenceKey }

// ReleaseServiceOrderEvent pays an escrow out to the merchant.
type ReleaseServiceOrderEvent struct {
	BaseEvent
	Escrow domain.Address `json:"escrow"`
}

func (e *ReleaseServiceOrderEvent) GetType() Type { return EvReleaseServiceOrder }

// CancelServiceOrderEvent refunds an escrow to its buyer.
type CancelServiceOrderEvent struct {
	BaseEvent
	Escrow domain.Address `json:"escrow"`
}

func (e *CancelServiceOrderEvent) GetType() Type { return EvCancelServiceOrder }

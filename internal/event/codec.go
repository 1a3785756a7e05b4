package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty event of the given type, ready to unmarshal into.
func New(t Type) (Event, error) {
	switch t {
	case EvDeposit:
		return &DepositEvent{}, nil
	case EvInitMarketplace:
		return &InitMarketplaceEvent{}, nil
	case EvUpdateMarketplace:
		return &UpdateMarketplaceEvent{}, nil
	case EvRegisterMerchant:
		return &RegisterMerchantEvent{}, nil
	case EvSetMerchantStatus:
		return &SetMerchantStatusEvent{}, nil
	case EvCreateListing:
		return &CreateListingEvent{}, nil
	case EvUpdateListing:
		return &UpdateListingEvent{}, nil
	case EvBuyNow:
		return &BuyNowEvent{}, nil
	case EvCreateServiceOrder:
		return &CreateServiceOrderEvent{}, nil
	case EvReleaseServiceOrder:
		return &ReleaseServiceOrderEvent{}, nil
	case EvCancelServiceOrder:
		return &CancelServiceOrderEvent{}, nil
	}
	return nil, fmt.Errorf("unknown event type %d", t)
}

// Decode rebuilds a typed event from its WAL payload.
func Decode(t Type, payload []byte) (Event, error) {
	ev, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", t, err)
	}
	return ev, nil
}

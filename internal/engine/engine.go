package engine

import (
	"fmt"

	"konnect/internal/domain"
	"konnect/internal/event"
	"konnect/internal/ledger"
)

// Engine applies commands to the ledger. Every command runs inside one
// ledger.Tx: either all of its effects commit or none do.
// Engine is not safe for concurrent use; the Sequencer serializes it.
type Engine struct {
	state *ledger.State
}

// NewEngine creates an engine over state. A nil state starts an empty ledger.
func NewEngine(state *ledger.State) *Engine {
	if state == nil {
		state = ledger.NewState()
	}
	return &Engine{state: state}
}

// State returns the committed ledger.
func (e *Engine) State() *ledger.State {
	return e.state
}

// Execute runs ev in a fresh transaction. persist, if set, is called after
// the command succeeded and before it commits; a persist error rolls back.
// The returned receipt is filled in either way; err is the rejection reason.
func (e *Engine) Execute(ev event.Event, persist func(event.Event) error) (*event.Receipt, error) {
	receipt := event.NewReceipt(ev)

	tx := e.state.Begin()
	account, err := dispatch(tx, ev)
	if err == nil && persist != nil {
		err = persist(ev)
	}
	if err != nil {
		tx.Rollback()
		receipt.Code = domain.Code(err)
		receipt.Error = err.Error()
		return receipt, err
	}
	tx.Commit()

	receipt.Seq = ev.GetSeq()
	receipt.Account = account
	receipt.Transfers = tx.Transfers()
	receipt.Code = domain.Code(nil)
	return receipt, nil
}

// dispatch routes a command to its component and returns the address of the
// primary record it touched.
func dispatch(tx *ledger.Tx, ev event.Event) (domain.Address, error) {
	if ev.GetCaller() == "" {
		return domain.Address{}, fmt.Errorf("%s without caller: %w", ev.GetType(), domain.ErrUnauthorized)
	}

	switch e := ev.(type) {
	case *event.DepositEvent:
		return deposit(tx, e)
	case *event.InitMarketplaceEvent:
		return initMarketplace(tx, e)
	case *event.UpdateMarketplaceEvent:
		return updateMarketplace(tx, e)
	case *event.RegisterMerchantEvent:
		return registerMerchant(tx, e)
	case *event.SetMerchantStatusEvent:
		return setMerchantStatus(tx, e)
	case *event.CreateListingEvent:
		return createListing(tx, e)
	case *event.UpdateListingEvent:
		return updateListing(tx, e)
	case *event.BuyNowEvent:
		return buyNow(tx, e)
	case *event.CreateServiceOrderEvent:
		return createServiceOrder(tx, e)
	case *event.ReleaseServiceOrderEvent:
		return releaseServiceOrder(tx, e)
	case *event.CancelServiceOrderEvent:
		return cancelServiceOrder(tx, e)
	}
	return domain.Address{}, fmt.Errorf("unsupported event type %s", ev.GetType())
}

// deposit credits the caller's wallet from outside the ledger.
func deposit(tx *ledger.Tx, e *event.DepositEvent) (domain.Address, error) {
	if e.Amount == 0 {
		return domain.Address{}, fmt.Errorf("deposit: %w", domain.ErrInvalidAmount)
	}
	wallet := domain.WalletAddress(e.Caller)
	if err := tx.Mint(wallet, e.Amount); err != nil {
		return domain.Address{}, fmt.Errorf("deposit: %w", err)
	}
	return wallet, nil
}

// overflow marks an arithmetic failure with the taxonomy error while keeping the cause.
func overflow(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrArithmeticOverflow, err)
}

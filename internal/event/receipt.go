package event

import (
	"github.com/google/uuid"

	"konnect/internal/domain"
	"konnect/internal/ledger"
	"konnect/pkg/quant"
)

// Receipt is the outcome of one command, returned to the caller and, when
// committed, broadcast to off-chain observers.
type Receipt struct {
	ID           uuid.UUID         `json:"id"`
	Seq          uint64            `json:"seq,omitempty"` // Zero for rejected commands
	Ts           quant.TimeStamp   `json:"ts"`
	Kind         string            `json:"kind"`
	Caller       domain.Identity   `json:"caller"`
	Account      domain.Address    `json:"account"` // Primary record the command touched
	ReferenceKey string            `json:"reference_key,omitempty"`
	Transfers    []ledger.Transfer `json:"transfers,omitempty"`
	Code         string            `json:"code"`
	Error        string            `json:"error,omitempty"`
}

// Committed reports whether the command was applied.
func (r *Receipt) Committed() bool {
	return r.Code == domain.Code(nil)
}

// NewReceipt builds the receipt skeleton for ev. The reference key is copied
// verbatim and never interpreted.
func NewReceipt(ev Event) *Receipt {
	r := &Receipt{
		ID:     uuid.New(),
		Ts:     ev.GetTs(),
		Kind:   ev.GetType().String(),
		Caller: ev.GetCaller(),
	}
	if ref, ok := ev.(Referenced); ok {
		r.ReferenceKey = ref.GetReferenceKey()
	}
	return r
}

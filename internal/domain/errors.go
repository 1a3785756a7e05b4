package domain

import (
	"errors"

	"konnect/pkg/safe"
)

// Rejection reasons. Every one of them aborts the whole command.
var (
	ErrFeeTooHigh           = errors.New("fee too high")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrAlreadyExists        = errors.New("already exists")
	ErrListingInactive      = errors.New("listing inactive")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrArithmeticOverflow   = errors.New("arithmetic overflow")
	ErrAlreadyResolved      = errors.New("escrow already resolved")

	ErrNotFound          = errors.New("not found")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrListingIsService  = errors.New("service listings must be ordered through escrow")
	ErrListingNotService = errors.New("goods listings cannot open an escrow")
	ErrCustody           = errors.New("vault funds can only move through their escrow")
	ErrVaultNotEmpty     = errors.New("vault not empty")
	ErrBadSignature      = errors.New("bad signature")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrFeeTooHigh, "FeeTooHigh"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrListingInactive, "ListingInactive"},
	{ErrInsufficientQuantity, "InsufficientQuantity"},
	{ErrArithmeticOverflow, "ArithmeticOverflow"},
	{safe.ErrOverflow, "ArithmeticOverflow"},
	{ErrAlreadyResolved, "AlreadyResolved"},
	{ErrNotFound, "NotFound"},
	{ErrInvalidPrice, "InvalidPrice"},
	{ErrInvalidQuantity, "InvalidQuantity"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrListingIsService, "ListingIsService"},
	{ErrListingNotService, "ListingNotService"},
	{ErrCustody, "Custody"},
	{ErrVaultNotEmpty, "VaultNotEmpty"},
	{ErrBadSignature, "BadSignature"},
	{ErrStoreUnavailable, "StoreUnavailable"},
}

// Code maps an error to a stable rejection code for receipts and metrics.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

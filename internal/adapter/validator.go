package adapter

import (
	"fmt"
	"strings"

	"github.com/stellar/go/strkey"

	apperrors "github.com/stellar-lineage/internal/errors"
)

// AddressValidator checks Stellar account address syntax
type AddressValidator struct{}

// NewAddressValidator creates a new address validator
func NewAddressValidator() *AddressValidator {
	return &AddressValidator{}
}

// Validate reports whether address is a well-formed G... account id
func (v *AddressValidator) Validate(address string) bool {
	return strkey.IsValidEd25519PublicKey(address)
}

// ValidateStrict returns a validation error describing why address is rejected
func (v *AddressValidator) ValidateStrict(address string) error {
	if address == "" {
		return apperrors.NewInvalidParameterError("address", "address is required")
	}
	if strings.TrimSpace(address) != address {
		return apperrors.NewInvalidParameterError("address", "address must not contain whitespace")
	}
	if _, err := strkey.Decode(strkey.VersionByteAccountID, address); err != nil {
		catErr := apperrors.NewInvalidAddressError(address)
		catErr.Cause = fmt.Errorf("strkey decode: %w", err)
		return catErr
	}
	return nil
}

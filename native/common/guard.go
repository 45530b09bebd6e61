package common

import "errors"

// AddressLength is the byte length of every account address.
const AddressLength = 20

var ErrInvalidAddress = errors.New("invalid address length")

// ValidateAddress rejects addresses that are not exactly AddressLength bytes.
func ValidateAddress(addr []byte) error {
	if len(addr) != AddressLength {
		return ErrInvalidAddress
	}
	return nil
}

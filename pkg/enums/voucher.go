package enums

import "fmt"

// VoucherKind separates one-shot discounts from subscription promotion codes.
type VoucherKind string

const (
	VoucherKindEvent        VoucherKind = "event"
	VoucherKindBlock        VoucherKind = "block"
	VoucherKindSubscription VoucherKind = "subscription"
)

var validVoucherKinds = []VoucherKind{VoucherKindEvent, VoucherKindBlock, VoucherKindSubscription}

func (k VoucherKind) IsValid() bool {
	for _, candidate := range validVoucherKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func ParseVoucherKind(value string) (VoucherKind, error) {
	for _, candidate := range validVoucherKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid voucher kind %q", value)
}

// VoucherDuration follows the processor's coupon duration vocabulary.
type VoucherDuration string

const (
	VoucherDurationOnce      VoucherDuration = "once"
	VoucherDurationRepeating VoucherDuration = "repeating"
	VoucherDurationForever   VoucherDuration = "forever"
)

func (d VoucherDuration) IsValid() bool {
	switch d {
	case VoucherDurationOnce, VoucherDurationRepeating, VoucherDurationForever:
		return true
	}
	return false
}

// VoucherValidity is the tri-state outcome of validating a voucher.
type VoucherValidity string

const (
	VoucherValid         VoucherValidity = "valid"
	VoucherInvalid       VoucherValidity = "invalid"
	VoucherNotApplicable VoucherValidity = "not_applicable"
)

package vouchers

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/studiobooking/payments-backend/pkg/db/models"
	"github.com/studiobooking/payments-backend/pkg/enums"
)

// Target is the thing a voucher is being redeemed against: an event type for
// booking vouchers, a block definition for block vouchers or a membership for
// subscription vouchers.
type Target struct {
	Kind enums.VoucherKind
	ID   uuid.UUID
}

// Usage is the read-only view of the redemption ledger for one voucher and
// one principal.
type Usage struct {
	Total       int
	ByPrincipal int
	// HasMembership is set when the principal has held a membership before.
	HasMembership bool
}

// Result is the outcome of Evaluate. Reason is user facing.
type Result struct {
	Status enums.VoucherValidity
	Reason string
}

func (r Result) Valid() bool {
	return r.Status == enums.VoucherValid
}

func invalid(format string, args ...any) Result {
	return Result{Status: enums.VoucherInvalid, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate checks a voucher against a target and usage snapshot. Checks run in
// a fixed order and stop at the first failure: target eligibility, validity
// window, global cap, per-principal cap.
func Evaluate(v *models.Voucher, target Target, usage Usage, now time.Time) Result {
	if v == nil {
		return invalid("voucher code is not valid")
	}

	if v.Kind != target.Kind {
		return Result{Status: enums.VoucherNotApplicable, Reason: fmt.Sprintf("voucher code %s is not valid for this item", v.Code)}
	}
	if len(v.TargetIDs) > 0 && !v.TargetIDs.Contains(target.ID) {
		return Result{Status: enums.VoucherNotApplicable, Reason: fmt.Sprintf("voucher code %s is not valid for this item", v.Code)}
	}

	if !v.Active {
		return invalid("voucher code %s is not active", v.Code)
	}
	if now.Before(v.StartDate) {
		return invalid("voucher code %s is not valid until %s", v.Code, v.StartDate.Format("02 Jan 2006"))
	}
	if v.ExpiryDate != nil && !now.Before(*v.ExpiryDate) {
		return invalid("voucher code %s has expired", v.Code)
	}

	if v.MaxVouchers != nil && usage.Total >= *v.MaxVouchers {
		return invalid("voucher code %s has limited number of total uses and has now expired", v.Code)
	}

	if v.MaxPerUser != nil && usage.ByPrincipal >= *v.MaxPerUser {
		return invalid("voucher code %s has already been used the maximum number of times (%d)", v.Code, *v.MaxPerUser)
	}
	if v.Kind == enums.VoucherKindSubscription && v.NewMembershipsOnly && usage.HasMembership {
		return invalid("voucher code %s is only valid for new memberships", v.Code)
	}

	return Result{Status: enums.VoucherValid}
}

// RemainingUses returns how many more items the principal may apply the
// voucher to, or -1 when neither cap applies.
func RemainingUses(v *models.Voucher, usage Usage) int {
	remaining := -1
	if v.MaxPerUser != nil {
		remaining = max(*v.MaxPerUser-usage.ByPrincipal, 0)
	}
	if v.MaxVouchers != nil {
		global := max(*v.MaxVouchers-usage.Total, 0)
		if remaining < 0 || global < remaining {
			remaining = global
		}
	}
	return remaining
}

var hundred = decimal.NewFromInt(100)

// DiscountedCost applies the voucher to cost. The result is rounded to pence
// and never negative.
func DiscountedCost(cost decimal.Decimal, v *models.Voucher) decimal.Decimal {
	if v == nil {
		return cost
	}
	discounted := cost
	switch {
	case v.PercentOff != nil:
		pct := decimal.NewFromInt(int64(*v.PercentOff))
		discounted = cost.Mul(hundred.Sub(pct)).Div(hundred)
	case v.AmountOff != nil:
		discounted = cost.Sub(*v.AmountOff)
	}
	if discounted.IsNegative() {
		return decimal.Zero
	}
	return discounted.Round(2)
}

// ExpiresBeforeNextPaymentDate reports whether a subscription voucher lapses
// before the given invoice date, in which case the discount must be dropped
// rather than applied again. The invoice date moves, so this is never cached.
func ExpiresBeforeNextPaymentDate(v *models.Voucher, nextPaymentDate time.Time) bool {
	if v == nil || v.ExpiryDate == nil {
		return false
	}
	return v.ExpiryDate.Before(nextPaymentDate)
}

package escrow

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// The fee is the half-up rounding of amount*bps/10000: the remainder
// amount*bps - fee*10000 lies in [-5000, 5000).
func TestFeeRoundingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("fee is half-up rounded", prop.ForAll(
		func(amount int64, bps uint32) bool {
			fee := ComputeFee(amount, bps)
			diff := amount*int64(bps) - fee*10_000
			return diff >= -5_000 && diff < 5_000
		},
		gen.Int64Range(1, 1_000_000_000_000),
		gen.UInt32Range(0, 10_000),
	))

	properties.Property("created escrow carries the fee", prop.ForAll(
		func(amount int64) bool {
			ledger := NewLedger(nil)
			esc, err := ledger.Create(context.Background(), CreateParams{BuyerID: "b", SellerID: "s", AmountSats: amount})
			if err != nil {
				return false
			}
			return esc.Status == StatusCreated && esc.FeeSats == ComputeFee(amount, DefaultFeeRateBps)
		},
		gen.Int64Range(1, 1_000_000_000),
	))

	properties.TestingRun(t)
}

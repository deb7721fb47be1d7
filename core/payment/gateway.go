package payment

import (
	"context"
	"time"
)

// Invoice describes a payable request issued by a gateway.
type Invoice struct {
	Reference      string    `json:"reference"`
	PaymentRequest string    `json:"paymentRequest"`
	Memo           string    `json:"memo,omitempty"`
	AmountSats     int64     `json:"amountSats"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Gateway captures the functionality the escrow core requires from a payment
// backend. VerifyPayment returns false without error when the reference has
// not (yet) settled for at least expectedSats.
type Gateway interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error)
	VerifyPayment(ctx context.Context, reference string, expectedSats int64) (bool, error)
	Refund(ctx context.Context, reference string, amountSats int64) (bool, error)
}

// Redeemer is implemented by gateways whose payment references are bearer
// tokens. Redeem marks a verified reference as spent so it cannot verify
// again; refunds against it remain possible.
type Redeemer interface {
	Redeem(ctx context.Context, reference string) error
}

// FuncGateway adapts callback functions to the Gateway interface. Unset
// callbacks succeed.
type FuncGateway struct {
	CreateFunc func(ctx context.Context, amountSats int64, memo string) (Invoice, error)
	VerifyFunc func(ctx context.Context, reference string, expectedSats int64) (bool, error)
	RefundFunc func(ctx context.Context, reference string, amountSats int64) (bool, error)
}

// CreateInvoice delegates to the configured callback.
func (g FuncGateway) CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error) {
	if g.CreateFunc == nil {
		return Invoice{AmountSats: amountSats, Memo: memo, CreatedAt: time.Now().UTC()}, nil
	}
	return g.CreateFunc(ctx, amountSats, memo)
}

// VerifyPayment delegates to the configured callback.
func (g FuncGateway) VerifyPayment(ctx context.Context, reference string, expectedSats int64) (bool, error) {
	if g.VerifyFunc == nil {
		return true, nil
	}
	return g.VerifyFunc(ctx, reference, expectedSats)
}

// Refund delegates to the configured callback.
func (g FuncGateway) Refund(ctx context.Context, reference string, amountSats int64) (bool, error) {
	if g.RefundFunc == nil {
		return true, nil
	}
	return g.RefundFunc(ctx, reference, amountSats)
}

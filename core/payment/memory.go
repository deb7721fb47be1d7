package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownReference is returned when a reference was never issued.
	ErrUnknownReference = errors.New("payment: unknown reference")
	// ErrInvalidAmount marks non-positive invoice, payment or refund amounts.
	ErrInvalidAmount = errors.New("payment: amount must be positive")
	// ErrAlreadyRedeemed is returned when a spent reference is redeemed again.
	ErrAlreadyRedeemed = errors.New("payment: reference already redeemed")
)

const referencePrefix = "lnmock_"

type memoryInvoice struct {
	invoice  Invoice
	paid     int64
	refunded int64
	redeemed bool
}

// MemoryGateway is an in-process gateway backed by mock ecash tokens. Invoices
// are settled explicitly through Pay, which makes it suitable for tests and
// simulations. It is safe for concurrent use.
type MemoryGateway struct {
	mu       sync.Mutex
	invoices map[string]*memoryInvoice
	nowFn    func() time.Time
}

// NewMemoryGateway constructs an empty gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		invoices: make(map[string]*memoryInvoice),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock used for invoice timestamps.
func (g *MemoryGateway) SetNowFunc(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now == nil {
		g.nowFn = time.Now
		return
	}
	g.nowFn = now
}

// CreateInvoice issues a new unpaid invoice.
func (g *MemoryGateway) CreateInvoice(_ context.Context, amountSats int64, memo string) (Invoice, error) {
	if amountSats <= 0 {
		return Invoice{}, ErrInvalidAmount
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	inv := Invoice{
		Reference:      referencePrefix + token,
		PaymentRequest: fmt.Sprintf("ecash:%d:%s", amountSats, token),
		Memo:           strings.TrimSpace(memo),
		AmountSats:     amountSats,
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	inv.CreatedAt = g.nowFn().UTC()
	g.invoices[inv.Reference] = &memoryInvoice{invoice: inv}
	return inv, nil
}

// Pay settles amountSats against the referenced invoice. Repeated payments
// accumulate.
func (g *MemoryGateway) Pay(reference string, amountSats int64) error {
	if amountSats <= 0 {
		return ErrInvalidAmount
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.invoices[strings.TrimSpace(reference)]
	if !ok {
		return ErrUnknownReference
	}
	entry.paid += amountSats
	return nil
}

// VerifyPayment reports whether at least expectedSats has been paid against
// the reference. Unknown and redeemed references verify as unpaid.
func (g *MemoryGateway) VerifyPayment(_ context.Context, reference string, expectedSats int64) (bool, error) {
	if expectedSats <= 0 {
		return false, ErrInvalidAmount
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.invoices[strings.TrimSpace(reference)]
	if !ok || entry.redeemed {
		return false, nil
	}
	return entry.paid >= expectedSats, nil
}

// Redeem marks the reference as spent.
func (g *MemoryGateway) Redeem(_ context.Context, reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.invoices[strings.TrimSpace(reference)]
	if !ok {
		return ErrUnknownReference
	}
	if entry.redeemed {
		return ErrAlreadyRedeemed
	}
	entry.redeemed = true
	return nil
}

// Refund returns amountSats to the payer. The cumulative refund can never
// exceed what was paid; an over-refund reports false.
func (g *MemoryGateway) Refund(_ context.Context, reference string, amountSats int64) (bool, error) {
	if amountSats <= 0 {
		return false, ErrInvalidAmount
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.invoices[strings.TrimSpace(reference)]
	if !ok {
		return false, ErrUnknownReference
	}
	if entry.refunded+amountSats > entry.paid {
		return false, nil
	}
	entry.refunded += amountSats
	return true, nil
}

// Refunded returns the total refunded against the reference.
func (g *MemoryGateway) Refunded(reference string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.invoices[strings.TrimSpace(reference)]
	if !ok {
		return 0
	}
	return entry.refunded
}

// Invoice returns the invoice issued under reference.
func (g *MemoryGateway) Invoice(reference string) (Invoice, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.invoices[strings.TrimSpace(reference)]
	if !ok {
		return Invoice{}, false
	}
	return entry.invoice, true
}

package escrow

import (
	"strconv"
	"strings"
	"time"

	"agentmarket/core/events"
)

const (
	ActionPaymentRequired = "payment_required"
	ActionFunded          = "escrow_funded"
	ActionFundFailed      = "escrow_fund_failed"
	ActionFraudDetected   = "fraud_detected"
	ActionApproved        = "escrow_approved"
	ActionReleased        = "escrow_released"
	ActionDisputed        = "escrow_disputed"
	ActionRefunded        = "escrow_refunded"
)

// NewPaymentRequiredEvent returns the audit payload for a newly created
// escrow awaiting payment.
func NewPaymentRequiredEvent(e *Escrow, at time.Time) events.AuditEvent {
	return newEscrowEvent(events.TypePayment, e.BuyerID, ActionPaymentRequired, e, events.ResultSuccess, events.SeverityInfo, at)
}

// NewFundedEvent returns the audit payload emitted when the buyer's payment
// has been verified.
func NewFundedEvent(e *Escrow, at time.Time) events.AuditEvent {
	return newEscrowEvent(events.TypePayment, e.BuyerID, ActionFunded, e, events.ResultSuccess, events.SeverityInfo, at)
}

// NewFundFailedEvent returns the audit payload for a payment that could not be
// verified.
func NewFundFailedEvent(e *Escrow, reason string, at time.Time) events.AuditEvent {
	evt := newEscrowEvent(events.TypePayment, e.BuyerID, ActionFundFailed, e, events.ResultFailure, events.SeverityWarning, at)
	evt.Details["reason"] = reason
	return evt
}

// NewFraudDetectedEvent returns the security payload for triggered rules.
func NewFraudDetectedEvent(e *Escrow, severity events.Severity, at time.Time) events.AuditEvent {
	result := events.ResultSuccess
	if e.Held {
		result = events.ResultFailure
	}
	return newEscrowEvent(events.TypeSecurity, e.BuyerID, ActionFraudDetected, e, result, severity, at)
}

// NewApprovedEvent returns the audit payload for a signer's release approval.
func NewApprovedEvent(e *Escrow, signerID string, at time.Time) events.AuditEvent {
	evt := newEscrowEvent(events.TypePayment, signerID, ActionApproved, e, events.ResultSuccess, events.SeverityInfo, at)
	evt.Details["approvals"] = strconv.Itoa(len(Approvals(e)))
	return evt
}

// NewReleasedEvent returns the audit payload for a release to the seller.
func NewReleasedEvent(e *Escrow, reason string, at time.Time) events.AuditEvent {
	evt := newEscrowEvent(events.TypePayment, e.SellerID, ActionReleased, e, events.ResultSuccess, events.SeverityInfo, at)
	evt.Details["reason"] = reason
	return evt
}

// NewDisputedEvent returns the audit payload emitted when an escrow enters
// dispute.
func NewDisputedEvent(e *Escrow, at time.Time) events.AuditEvent {
	return newEscrowEvent(events.TypeDispute, e.BuyerID, ActionDisputed, e, events.ResultSuccess, events.SeverityWarning, at)
}

// NewRefundedEvent returns the audit payload for a refund to the buyer.
func NewRefundedEvent(e *Escrow, refundSats int64, at time.Time) events.AuditEvent {
	evt := newEscrowEvent(events.TypePayment, e.BuyerID, ActionRefunded, e, events.ResultSuccess, events.SeverityInfo, at)
	evt.Details["refundSats"] = strconv.FormatInt(refundSats, 10)
	return evt
}

func newEscrowEvent(eventType, agentID, action string, e *Escrow, result events.Result, severity events.Severity, at time.Time) events.AuditEvent {
	attrs := make(map[string]string)
	if e != nil {
		attrs["escrowId"] = e.ID
		attrs["buyerId"] = e.BuyerID
		attrs["sellerId"] = e.SellerID
		attrs["amountSats"] = strconv.FormatInt(e.AmountSats, 10)
		attrs["feeSats"] = strconv.FormatInt(e.FeeSats, 10)
		attrs["status"] = e.Status.String()
		if e.DisputeID != "" {
			attrs["disputeId"] = e.DisputeID
		}
		if e.ArbitratorID != "" {
			attrs["arbitratorId"] = e.ArbitratorID
		}
		if len(e.FraudFlags) > 0 {
			attrs["fraudFlags"] = strings.Join(e.FraudFlags, ",")
		}
		if e.Held {
			attrs["held"] = "true"
		}
	}
	return events.NewEvent(eventType, agentID, action, attrs, result, severity, at)
}

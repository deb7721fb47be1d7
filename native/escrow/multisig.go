package escrow

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	coreerrors "agentmarket/core/errors"
)

// Conditions consumed by MultiSigChecker. ConditionKeySigners is a comma
// separated list of agent ids or the roles buyer, seller and arbitrator.
const (
	ConditionKeyRequiredSignatures = "required_signatures"
	ConditionKeySigners            = "signers"

	RoleBuyer      = "buyer"
	RoleSeller     = "seller"
	RoleArbitrator = "arbitrator"

	proofApprovalPrefix = "approval:"
)

var defaultSignerRoles = []string{RoleBuyer, RoleSeller, RoleArbitrator}

// ApprovalProofKey returns the proof key recording signerID's approval.
func ApprovalProofKey(signerID string) string { return proofApprovalPrefix + signerID }

// ApprovalSignature is the deterministic approval proof over the escrow id,
// signer and approval time.
func ApprovalSignature(id, signerID string, at time.Time) string {
	payload := fmt.Sprintf("%s:%s:%d", id, signerID, at.Unix())
	return hex.EncodeToString(ethcrypto.Keccak256([]byte(payload)))
}

// Signers resolves the agents allowed to approve the release of esc.
func Signers(esc *Escrow) []string {
	if esc == nil {
		return nil
	}
	entries := defaultSignerRoles
	if raw := strings.TrimSpace(esc.Conditions[ConditionKeySigners]); raw != "" {
		entries = strings.Split(raw, ",")
	}
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		id := strings.TrimSpace(entry)
		switch id {
		case RoleBuyer:
			id = esc.BuyerID
		case RoleSeller:
			id = esc.SellerID
		case RoleArbitrator:
			id = esc.ArbitratorID
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// RequiredSignatures returns the approval threshold of esc and whether one is
// configured.
func RequiredSignatures(esc *Escrow) (int, bool, error) {
	raw := strings.TrimSpace(esc.Conditions[ConditionKeyRequiredSignatures])
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("escrow: required_signatures %q: %w", raw, coreerrors.ErrInvalidAmount)
	}
	if n < 1 || n > len(Signers(esc)) {
		return 0, true, fmt.Errorf("escrow: required_signatures %d outside [1, %d]: %w", n, len(Signers(esc)), coreerrors.ErrInvalidAmount)
	}
	return n, true, nil
}

// Approvals returns the signers that have approved esc.
func Approvals(esc *Escrow) []string {
	var out []string
	for _, signer := range Signers(esc) {
		if _, ok := esc.Proofs[ApprovalProofKey(signer)]; ok {
			out = append(out, signer)
		}
	}
	return out
}

// MultiSigChecker holds release until the required number of signers have
// approved. Escrows without required_signatures are always releasable.
type MultiSigChecker struct{}

func (MultiSigChecker) Met(_ context.Context, esc *Escrow, _ time.Time) (bool, error) {
	if esc == nil {
		return false, nil
	}
	required, ok, err := RequiredSignatures(esc)
	if err != nil || !ok {
		return err == nil, err
	}
	return len(Approvals(esc)) >= required, nil
}

// AllOf combines checkers; release requires every one of them.
func AllOf(checkers ...ConditionChecker) ConditionChecker {
	return ConditionFunc(func(ctx context.Context, esc *Escrow, now time.Time) (bool, error) {
		for _, c := range checkers {
			if c == nil {
				continue
			}
			ok, err := c.Met(ctx, esc, now)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Approve records signerID's approval of a funded escrow. Repeated approvals
// by the same signer keep the first proof.
func (l *Ledger) Approve(ctx context.Context, id, signerID string) (*Escrow, error) {
	unlock, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	esc, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusFunded {
		return nil, fmt.Errorf("escrow %s: cannot approve in status %s: %w", esc.ID, esc.Status, coreerrors.ErrInvalidState)
	}
	signerID = strings.TrimSpace(signerID)
	allowed := false
	for _, s := range Signers(esc) {
		if s == signerID {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("escrow %s: %q is not a signer: %w", esc.ID, signerID, coreerrors.ErrForbidden)
	}
	key := ApprovalProofKey(signerID)
	if _, done := esc.Proofs[key]; done {
		return esc.Clone(), nil
	}
	now := l.now()
	setProof(esc, key, ApprovalSignature(esc.ID, signerID, now))
	if err := l.save(esc); err != nil {
		return nil, err
	}
	l.logger.Info("escrow approved",
		slog.String("escrow_id", esc.ID),
		slog.String("agent_id", signerID),
		slog.Int("approvals", len(Approvals(esc))))
	l.emit(ctx, NewApprovedEvent(esc, signerID, now))
	return esc.Clone(), nil
}

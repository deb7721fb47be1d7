package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"agentmarket/core/payment"
	"agentmarket/native/escrow"
	"agentmarket/native/reputation"
	"agentmarket/services/marketd"
)

// simClock advances a fixed step on every read so simulated events are
// spread out deterministically.
type simClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type seller struct {
	id          string
	reliability float64
	quality     float64
	latency     float64
}

type outcome string

const (
	outcomeCompleted outcome = "completed"
	outcomeRefunded  outcome = "refunded_by_dispute"
	outcomeHeld      outcome = "held_and_refunded"
	outcomeRejected  outcome = "rejected"
	outcomeUnfunded  outcome = "fund_failed"
)

type report struct {
	outcomes map[outcome]int
	sellers  []string
	scores   map[string]*reputation.TrustScore
}

type simOptions struct {
	agents int
	rounds int
	seed   int64
}

func newSellers(r *rand.Rand, n int) []seller {
	out := make([]seller, n)
	for i := range out {
		out[i] = seller{
			id:          fmt.Sprintf("seller-%02d", i+1),
			reliability: 0.5 + r.Float64()/2,
			quality:     0.4 + r.Float64()*0.6,
			latency:     1 + r.Float64()*12,
		}
	}
	return out
}

// simulate runs rounds of trades between opts.agents buyers and sellers. Each
// buyer proposes to a random seller, pays the invoice and funds the escrow;
// the seller then delivers with probability equal to its reliability,
// otherwise the buyer disputes and the arbitrator refunds.
func simulate(ctx context.Context, svc *marketd.Service, gw *payment.MemoryGateway, opts simOptions) (*report, error) {
	r := rand.New(rand.NewSource(opts.seed))
	sellers := newSellers(r, opts.agents)
	rep := &report{outcomes: make(map[outcome]int), scores: make(map[string]*reputation.TrustScore)}

	for round := 0; round < opts.rounds; round++ {
		for b := 0; b < opts.agents; b++ {
			buyer := fmt.Sprintf("buyer-%02d", b+1)
			s := sellers[r.Intn(len(sellers))]
			amount := int64(1_000 + r.Intn(50_000))
			res, err := trade(ctx, svc, gw, r, buyer, s, amount)
			if err != nil {
				return nil, err
			}
			rep.outcomes[res]++
		}
	}

	for _, s := range sellers {
		rep.sellers = append(rep.sellers, s.id)
		if score, err := svc.Score(s.id); err == nil {
			rep.scores[s.id] = score
		}
	}
	return rep, nil
}

func trade(ctx context.Context, svc *marketd.Service, gw *payment.MemoryGateway, r *rand.Rand, buyer string, s seller, amount int64) (outcome, error) {
	quote, err := svc.Propose(ctx, marketd.Proposal{BuyerID: buyer, SellerID: s.id, AmountSats: amount, Description: "simulated task"})
	if err != nil {
		return outcomeRejected, nil
	}
	if err := gw.Pay(quote.Invoice.Reference, quote.Invoice.AmountSats); err != nil {
		return "", err
	}
	funded, err := svc.Fund(ctx, quote.Escrow.ID, quote.Invoice.Reference)
	switch {
	case errors.Is(err, escrow.ErrFraudBlocked):
		if _, err := svc.RefundHeld(ctx, quote.Escrow.ID, "fraud review"); err != nil {
			return "", err
		}
		return outcomeHeld, nil
	case err != nil:
		return outcomeUnfunded, nil
	}

	rec := reputation.InteractionRecord{
		PaymentSuccess:      1,
		QualityScore:        s.quality,
		ResponseTimeSeconds: s.latency,
		UptimeFraction:      s.reliability,
	}
	if r.Float64() < s.reliability {
		rec.Success = true
		if _, err := svc.Complete(ctx, funded.Escrow.ID, "delivered", rec); err != nil {
			return "", err
		}
		return outcomeCompleted, nil
	}

	d, err := svc.Dispute(ctx, funded.Escrow.ID, buyer, "service not delivered", nil)
	if err != nil {
		return "", err
	}
	refund := funded.Escrow.AmountSats
	if _, err := svc.Resolve(ctx, d.ID, d.ArbitratorID, "refund for non-delivery", &refund); err != nil {
		return "", err
	}
	rec.Success = false
	rec.QualityScore = 0
	if _, err := svc.RecordInteraction(ctx, s.id, buyer, funded.Escrow.ID, rec); err != nil {
		return "", err
	}
	return outcomeRefunded, nil
}

func (rep *report) render(w io.Writer) {
	trust := tablewriter.NewWriter(w)
	trust.SetHeader([]string{"Seller", "Overall", "Level", "Payment", "Quality", "Response", "Uptime", "Interactions"})
	for _, id := range rep.sellers {
		score, ok := rep.scores[id]
		if !ok {
			trust.Append([]string{id, "-", reputation.LevelUnknown.String(), "-", "-", "-", "-", "0"})
			continue
		}
		trust.Append([]string{
			id,
			formatScore(score.OverallScore),
			score.VerificationLevel.String(),
			formatScore(score.PaymentReliability),
			formatScore(score.ServiceQuality),
			formatScore(score.ResponseTime),
			formatScore(score.Uptime),
			strconv.Itoa(score.TotalInteractions),
		})
	}
	trust.Render()

	kinds := make([]string, 0, len(rep.outcomes))
	for k := range rep.outcomes {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	outcomes := tablewriter.NewWriter(w)
	outcomes.SetHeader([]string{"Outcome", "Escrows"})
	for _, k := range kinds {
		outcomes.Append([]string{k, strconv.Itoa(rep.outcomes[outcome(k)])})
	}
	outcomes.Render()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"agentmarket/config"
	"agentmarket/core/payment"
	"agentmarket/services/marketd"
)

func runSim(t *testing.T, seed int64) (*report, string) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	clock := &simClock{now: time.Unix(1_700_000_000, 0).UTC(), step: 30 * time.Second}
	gw := payment.NewMemoryGateway()
	gw.SetNowFunc(clock.Now)
	svc, err := marketd.New(cfg, marketd.WithGateway(gw), marketd.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("build market: %v", err)
	}
	defer svc.Close()
	rep, err := simulate(context.Background(), svc, gw, simOptions{agents: 4, rounds: 6, seed: seed})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var buf bytes.Buffer
	rep.render(&buf)
	return rep, buf.String()
}

func TestSimulationAccountsForEveryTrade(t *testing.T) {
	rep, out := runSim(t, 7)
	total := 0
	for _, n := range rep.outcomes {
		total += n
	}
	if total != 24 {
		t.Fatalf("expected 24 trades, got %d (%v)", total, rep.outcomes)
	}
	if len(rep.sellers) != 4 {
		t.Fatalf("expected 4 sellers, got %v", rep.sellers)
	}
	for _, want := range []string{"SELLER", "OUTCOME", "seller-01"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered report missing %q:\n%s", want, out)
		}
	}
}

func TestSimulationIsDeterministic(t *testing.T) {
	first, _ := runSim(t, 42)
	second, _ := runSim(t, 42)
	if len(first.outcomes) != len(second.outcomes) {
		t.Fatalf("outcome kinds differ: %v vs %v", first.outcomes, second.outcomes)
	}
	for k, v := range first.outcomes {
		if second.outcomes[k] != v {
			t.Fatalf("outcome %s differs: %d vs %d", k, v, second.outcomes[k])
		}
	}
	for id, score := range first.scores {
		other, ok := second.scores[id]
		if !ok || other.OverallScore != score.OverallScore {
			t.Fatalf("score for %s differs", id)
		}
	}
}

package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/domain/event"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/domain/workflow"
	"github.com/eventflow-network/eventflow/internal/app/metrics"
)

func TestMetricsWiredAcrossServices(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	bank := chain.NewSimBank()
	bank.Mint("alice", 1_000_000_000)

	application, err := New(Stores{}, Options{Bank: bank, Metrics: m}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}

	id, err := application.Registry.Register(ctx, "alice", "wf", "a workflow", nil, true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := application.Ledger.Subscribe(ctx, "alice", subscription.TierPro, 1, ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := application.Processor.Process(ctx, "alice", id, []byte("p1"), nil, "t", false); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := testutil.ToFloat64(m.WorkflowsRegistered); got != 1 {
		t.Fatalf("workflows registered counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SubscriptionsStarted); got != 1 {
		t.Fatalf("subscriptions started counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsProcessed); got != 1 {
		t.Fatalf("events processed counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FeesCollected.WithLabelValues("registry")); got != float64(workflow.RegistrationFee) {
		t.Fatalf("registry fees counter = %v, want %d", got, workflow.RegistrationFee)
	}
	if got := testutil.ToFloat64(m.FeesCollected.WithLabelValues("ledger")); got != float64(subscription.ProMonthlyPrice) {
		t.Fatalf("ledger fees counter = %v, want %d", got, subscription.ProMonthlyPrice)
	}
	if got := testutil.ToFloat64(m.FeesCollected.WithLabelValues("processor")); got != float64(event.ProcessingFee) {
		t.Fatalf("processor fees counter = %v, want %d", got, event.ProcessingFee)
	}
}

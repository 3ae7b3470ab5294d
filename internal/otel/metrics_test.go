package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.WorkerDuration == nil {
		t.Error("WorkerDuration is nil")
	}
	if m.WorkerErrors == nil {
		t.Error("WorkerErrors is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.ActiveChains == nil {
		t.Error("ActiveChains is nil")
	}
	if m.SwarmBatchTotal == nil {
		t.Error("SwarmBatchTotal is nil")
	}
	if m.SwarmBatchErrors == nil {
		t.Error("SwarmBatchErrors is nil")
	}
	if m.SwarmJobDuration == nil {
		t.Error("SwarmJobDuration is nil")
	}
	if m.TeamChainDuration == nil {
		t.Error("TeamChainDuration is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

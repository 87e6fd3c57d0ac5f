package siem

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/sentra-scan/sentra/internal/apierr"
)

type stubTarget struct {
	mu      sync.Mutex
	batches [][]Finding
	failOn  func(batch []Finding) bool
}

func (s *stubTarget) Name() string { return "stub" }

func (s *stubTarget) Send(_ context.Context, batch []Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil && s.failOn(batch) {
		return fmt.Errorf("refused")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func mkFindings(n int) []Finding {
	out := make([]Finding, n)
	for i := range out {
		out[i] = Finding{RuleName: fmt.Sprintf("rule-%d", i), Region: "us-east-1"}
	}
	return out
}

func TestPushBatches(t *testing.T) {
	target := &stubTarget{}
	p := NewPusher(target, 10, 2, nil)

	report, err := p.Push(context.Background(), mkFindings(25))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if report.Succeeded != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report: %#v", report)
	}

	total := 0
	for _, b := range target.batches {
		if len(b) > 10 {
			t.Fatalf("batch exceeds size limit: %d", len(b))
		}
		total += len(b)
	}
	if total != 25 {
		t.Fatalf("expected 25 findings delivered, got %d", total)
	}
}

func TestPushPartialFailure(t *testing.T) {
	target := &stubTarget{failOn: func(batch []Finding) bool {
		return batch[0].RuleName == "rule-10"
	}}
	p := NewPusher(target, 10, 2, nil)

	report, err := p.Push(context.Background(), mkFindings(25))
	if err == nil {
		t.Fatal("expected error on partial delivery")
	}
	if apierr.KindOf(err) != apierr.UpstreamUnavailable {
		t.Fatalf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: %#v", report)
	}
}

func TestPushEmpty(t *testing.T) {
	target := &stubTarget{}
	p := NewPusher(target, 0, 0, nil)

	report, err := p.Push(context.Background(), nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if report.Succeeded != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report: %#v", report)
	}
	if len(target.batches) != 0 {
		t.Fatalf("expected no sends, got %d", len(target.batches))
	}
}

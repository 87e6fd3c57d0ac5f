package trigger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/apierr"
)

type stubEventBridge struct {
	rules         map[string]string
	targets       map[string]string
	putRuleErr    error
	putTargetsErr error
	disabled      map[string]bool
}

func newStubEventBridge() *stubEventBridge {
	return &stubEventBridge{
		rules:    map[string]string{},
		targets:  map[string]string{},
		disabled: map[string]bool{},
	}
}

func (s *stubEventBridge) PutRule(_ context.Context, in *eventbridge.PutRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error) {
	if s.putRuleErr != nil {
		return nil, s.putRuleErr
	}
	s.rules[aws.ToString(in.Name)] = aws.ToString(in.ScheduleExpression)
	return &eventbridge.PutRuleOutput{}, nil
}

func (s *stubEventBridge) PutTargets(_ context.Context, in *eventbridge.PutTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error) {
	if s.putTargetsErr != nil {
		return nil, s.putTargetsErr
	}
	s.targets[aws.ToString(in.Rule)] = aws.ToString(in.Targets[0].Input)
	return &eventbridge.PutTargetsOutput{}, nil
}

func (s *stubEventBridge) RemoveTargets(_ context.Context, in *eventbridge.RemoveTargetsInput, _ ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error) {
	delete(s.targets, aws.ToString(in.Rule))
	return &eventbridge.RemoveTargetsOutput{}, nil
}

func (s *stubEventBridge) DeleteRule(_ context.Context, in *eventbridge.DeleteRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DeleteRuleOutput, error) {
	delete(s.rules, aws.ToString(in.Name))
	return &eventbridge.DeleteRuleOutput{}, nil
}

func (s *stubEventBridge) EnableRule(_ context.Context, in *eventbridge.EnableRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.EnableRuleOutput, error) {
	s.disabled[aws.ToString(in.Name)] = false
	return &eventbridge.EnableRuleOutput{}, nil
}

func (s *stubEventBridge) DisableRule(_ context.Context, in *eventbridge.DisableRuleInput, _ ...func(*eventbridge.Options)) (*eventbridge.DisableRuleOutput, error) {
	s.disabled[aws.ToString(in.Name)] = true
	return &eventbridge.DisableRuleOutput{}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *Store, *stubEventBridge) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "trigger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	eb := newStubEventBridge()
	return NewScheduler(store, eb, "arn:aws:lambda:us-east-1:999:function:submit", zap.NewNop()), store, eb
}

func TestValidateExpression(t *testing.T) {
	valid := []string{
		"0 2 * * *",
		"*/15 * * * *",
		"rate(1 hour)",
		"rate(30 minutes)",
		"cron(0 2 * * ? *)",
		"cron(15 10 ? * 6 *)",
	}
	for _, expr := range valid {
		if err := ValidateExpression(expr); err != nil {
			t.Errorf("%q rejected: %v", expr, err)
		}
	}

	invalid := []string{
		"",
		"not a cron",
		"0 2 * *",
		"rate(0 hours)",
		"rate(five minutes)",
		"cron(0 2 * * ?)",
		"cron(99 2 * * ? *)",
	}
	for _, expr := range invalid {
		err := ValidateExpression(expr)
		if err == nil {
			t.Errorf("%q accepted", expr)
			continue
		}
		if apierr.KindOf(err) != apierr.InvalidInput {
			t.Errorf("%q wrong kind: %v", expr, apierr.KindOf(err))
		}
	}
}

func TestRegisterJobCreatesRuleAndRecord(t *testing.T) {
	sched, store, eb := newTestScheduler(t)

	job, err := sched.RegisterJob(context.Background(), RegisterRequest{
		Name:       "Nightly Scan",
		Customer:   "acme",
		Tenant:     "prod-account",
		Expression: "0 2 * * *",
		Regions:    []string{"us-east-1"},
		Rulesets:   []string{"cis-aws"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if job.ID != "acme-nightly-scan" {
		t.Fatalf("unexpected id: %q", job.ID)
	}

	expr, ok := eb.rules["sentra-schedule-acme-nightly-scan"]
	if !ok {
		t.Fatal("external rule not created")
	}
	if expr != "cron(0 2 * * * *)" {
		t.Fatalf("unexpected schedule expression: %q", expr)
	}

	input := eb.targets["sentra-schedule-acme-nightly-scan"]
	for _, want := range []string{"SCHEDULED_JOB_NAME", "TENANT_NAME", "prod-account", "cis-aws", "MANUAL"} {
		if !strings.Contains(input, want) {
			t.Errorf("target input missing %q: %s", want, input)
		}
	}

	stored, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if !stored.Enabled || stored.Expression != "0 2 * * *" {
		t.Fatalf("unexpected record: %#v", stored)
	}
}

func TestRegisterJobInvalidExpressionPersistsNothing(t *testing.T) {
	sched, store, eb := newTestScheduler(t)

	_, err := sched.RegisterJob(context.Background(), RegisterRequest{
		Name: "bad", Customer: "acme", Tenant: "prod-account",
		Expression: "every now and then",
	})
	if apierr.KindOf(err) != apierr.InvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}

	if len(eb.rules) != 0 {
		t.Fatal("external rule created for invalid expression")
	}
	jobs, err := store.List("acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatal("record persisted for invalid expression")
	}
}

func TestRegisterJobTargetFailureCleansUpRule(t *testing.T) {
	sched, store, eb := newTestScheduler(t)
	eb.putTargetsErr = errors.New("throttled")

	_, err := sched.RegisterJob(context.Background(), RegisterRequest{
		Name: "nightly", Customer: "acme", Tenant: "prod-account",
		Expression: "rate(1 hour)",
	})
	if apierr.KindOf(err) != apierr.UpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if len(eb.rules) != 0 {
		t.Fatal("orphan rule left behind")
	}
	jobs, _ := store.List("acme")
	if len(jobs) != 0 {
		t.Fatal("record persisted despite external failure")
	}
}

func TestUpdateJobRevertsOnExternalFailure(t *testing.T) {
	sched, store, eb := newTestScheduler(t)

	job, err := sched.RegisterJob(context.Background(), RegisterRequest{
		Name: "nightly", Customer: "acme", Tenant: "prod-account",
		Expression: "rate(1 hour)",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	eb.putRuleErr = errors.New("throttled")
	newExpr := "rate(2 hours)"
	_, err = sched.UpdateJob(context.Background(), job.ID, UpdateOptions{Expression: &newExpr})
	if apierr.KindOf(err) != apierr.UpstreamUnavailable {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}

	stored, err := store.Get(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Expression != "rate(1 hour)" {
		t.Fatalf("record not reverted: %q", stored.Expression)
	}
}

func TestUpdateJobToggleEnabled(t *testing.T) {
	sched, _, eb := newTestScheduler(t)

	job, err := sched.RegisterJob(context.Background(), RegisterRequest{
		Name: "nightly", Customer: "acme", Tenant: "prod-account",
		Expression: "rate(1 hour)",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	off := false
	updated, err := sched.UpdateJob(context.Background(), job.ID, UpdateOptions{Enabled: &off})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if updated.Enabled {
		t.Fatal("record still enabled")
	}
	if !eb.disabled["sentra-schedule-"+job.ID] {
		t.Fatal("external rule not disabled")
	}
}

func TestDeregisterJobRemovesEverything(t *testing.T) {
	sched, store, eb := newTestScheduler(t)

	job, err := sched.RegisterJob(context.Background(), RegisterRequest{
		Name: "nightly", Customer: "acme", Tenant: "prod-account",
		Expression: "rate(1 hour)",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := sched.DeregisterJob(context.Background(), job.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if len(eb.rules) != 0 || len(eb.targets) != 0 {
		t.Fatal("external trigger left behind")
	}
	if _, err := store.Get(job.ID); !IsNotFound(err) {
		t.Fatalf("record left behind: %v", err)
	}

	if err := sched.DeregisterJob(context.Background(), job.ID); apierr.KindOf(err) != apierr.NotFound {
		t.Fatalf("expected not found on second deregister, got %v", err)
	}
}

func TestSanitizeID(t *testing.T) {
	cases := map[string]string{
		"Nightly Scan":    "nightly-scan",
		"  UPPER_case.1 ": "upper_case.1",
		"a//b":            "a--b",
		"***":             "",
	}
	for in, want := range cases {
		if got := SanitizeID(in); got != want {
			t.Errorf("SanitizeID(%q) = %q, want %q", in, got, want)
		}
	}
}

package trigger

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/engine"
)

// EventBridgeAPI is the subset of the EventBridge client the scheduler
// depends on.
type EventBridgeAPI interface {
	PutRule(ctx context.Context, params *eventbridge.PutRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error)
	PutTargets(ctx context.Context, params *eventbridge.PutTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error)
	RemoveTargets(ctx context.Context, params *eventbridge.RemoveTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error)
	DeleteRule(ctx context.Context, params *eventbridge.DeleteRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DeleteRuleOutput, error)
	EnableRule(ctx context.Context, params *eventbridge.EnableRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.EnableRuleOutput, error)
	DisableRule(ctx context.Context, params *eventbridge.DisableRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DisableRuleOutput, error)
}

const scheduleTargetID = "sentra-worker-submit"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateExpression accepts plain five-field cron plus the AWS
// `cron(...)` and `rate(...)` forms.
func ValidateExpression(expr string) error {
	trimmed := strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(trimmed, "rate(") && strings.HasSuffix(trimmed, ")"):
		return validateRate(trimmed[len("rate(") : len(trimmed)-1])
	case strings.HasPrefix(trimmed, "cron(") && strings.HasSuffix(trimmed, ")"):
		return validateAWSCron(trimmed[len("cron(") : len(trimmed)-1])
	default:
		if _, err := cronParser.Parse(trimmed); err != nil {
			return apierr.Wrap(apierr.InvalidInput, err, "invalid cron expression %q", expr)
		}
		return nil
	}
}

func validateRate(inner string) error {
	fields := strings.Fields(inner)
	if len(fields) != 2 {
		return apierr.New(apierr.InvalidInput, "rate expression needs a value and a unit, got %q", inner)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return apierr.New(apierr.InvalidInput, "rate value must be a positive integer, got %q", fields[0])
	}
	switch fields[1] {
	case "minute", "minutes", "hour", "hours", "day", "days":
		return nil
	default:
		return apierr.New(apierr.InvalidInput, "unknown rate unit %q", fields[1])
	}
}

// validateAWSCron checks the six-field AWS form. The year field is
// dropped and `?` wildcards become `*` before the cron parse.
func validateAWSCron(inner string) error {
	fields := strings.Fields(inner)
	if len(fields) != 6 {
		return apierr.New(apierr.InvalidInput, "aws cron expression needs 6 fields, got %d", len(fields))
	}
	five := make([]string, 5)
	for i, f := range fields[:5] {
		if f == "?" {
			f = "*"
		}
		five[i] = f
	}
	if _, err := cronParser.Parse(strings.Join(five, " ")); err != nil {
		return apierr.Wrap(apierr.InvalidInput, err, "invalid cron expression %q", inner)
	}
	return nil
}

// scheduleExpression renders the expression in the form the external
// trigger system accepts.
func scheduleExpression(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "rate(") || strings.HasPrefix(trimmed, "cron(") {
		return trimmed
	}
	return "cron(" + trimmed + " *)"
}

// Scheduler manages recurring scan triggers: a persisted record plus an
// external EventBridge rule with the job environment baked into the target.
type Scheduler struct {
	store     *Store
	eb        EventBridgeAPI
	targetARN string
	logger    *zap.Logger
	now       func() time.Time
}

// NewScheduler wires a scheduler. targetARN is the worker submission
// endpoint every rule points at.
func NewScheduler(store *Store, eb EventBridgeAPI, targetARN string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: store, eb: eb, targetARN: targetARN, logger: logger, now: time.Now}
}

// RegisterRequest describes a new recurring trigger.
type RegisterRequest struct {
	Name       string   `json:"name"`
	Customer   string   `json:"customer"`
	Tenant     string   `json:"tenant"`
	Expression string   `json:"expression"`
	Regions    []string `json:"regions,omitempty"`
	Rulesets   []string `json:"rulesets,omitempty"`
}

// RegisterJob validates the expression, creates the external rule and
// target, then persists the record. An invalid expression persists
// nothing and creates no external trigger.
func (s *Scheduler) RegisterJob(ctx context.Context, req RegisterRequest) (*ScheduledJob, error) {
	if err := ValidateExpression(req.Expression); err != nil {
		return nil, err
	}
	id := SanitizeID(req.Customer + "-" + req.Name)
	if id == "" {
		return nil, apierr.New(apierr.InvalidInput, "scheduled job name is required")
	}
	if _, err := s.store.Get(id); err == nil {
		return nil, apierr.New(apierr.Conflict, "scheduled job %s already exists", id)
	}

	job := ScheduledJob{
		ID:         id,
		Customer:   req.Customer,
		Tenant:     req.Tenant,
		Expression: req.Expression,
		Regions:    req.Regions,
		Rulesets:   req.Rulesets,
		Enabled:    true,
		CreatedAt:  s.now().UTC(),
	}

	if _, err := s.eb.PutRule(ctx, &eventbridge.PutRuleInput{
		Name:               aws.String(s.ruleName(id)),
		ScheduleExpression: aws.String(scheduleExpression(req.Expression)),
		State:              ebtypes.RuleStateEnabled,
	}); err != nil {
		return nil, apierr.Wrap(apierr.UpstreamUnavailable, err, "create trigger rule %s", id)
	}

	if _, err := s.eb.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule: aws.String(s.ruleName(id)),
		Targets: []ebtypes.Target{{
			Id:    aws.String(scheduleTargetID),
			Arn:   aws.String(s.targetARN),
			Input: aws.String(s.targetInput(job)),
		}},
	}); err != nil {
		_, _ = s.eb.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: aws.String(s.ruleName(id))})
		return nil, apierr.Wrap(apierr.UpstreamUnavailable, err, "attach trigger target %s", id)
	}

	if err := s.store.Create(job); err != nil {
		_, _ = s.eb.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
			Rule: aws.String(s.ruleName(id)), Ids: []string{scheduleTargetID},
		})
		_, _ = s.eb.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: aws.String(s.ruleName(id))})
		return nil, apierr.Wrap(apierr.StorageTransient, err, "persist scheduled job %s", id)
	}

	s.logger.Info("scheduled job registered",
		zap.String("id", id),
		zap.String("tenant", req.Tenant),
		zap.String("expression", req.Expression))
	return &job, nil
}

// UpdateOptions carries the mutable scheduled job fields. Nil means keep.
type UpdateOptions struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	Expression *string `json:"expression,omitempty"`
}

// UpdateJob mutates the record and the external trigger. External
// failures revert the record to its previous state.
func (s *Scheduler) UpdateJob(ctx context.Context, id string, opts UpdateOptions) (*ScheduledJob, error) {
	prev, err := s.store.Get(id)
	if err != nil {
		if IsNotFound(err) {
			return nil, apierr.New(apierr.NotFound, "scheduled job %s not found", id)
		}
		return nil, apierr.Wrap(apierr.Internal, err, "load scheduled job %s", id)
	}

	next := *prev
	if opts.Expression != nil {
		if err := ValidateExpression(*opts.Expression); err != nil {
			return nil, err
		}
		next.Expression = *opts.Expression
	}
	if opts.Enabled != nil {
		next.Enabled = *opts.Enabled
	}

	if err := s.store.Update(next); err != nil {
		return nil, apierr.Wrap(apierr.StorageTransient, err, "update scheduled job %s", id)
	}

	if err := s.applyExternal(ctx, prev, &next); err != nil {
		if revertErr := s.store.Update(*prev); revertErr != nil {
			s.logger.Error("revert scheduled job record", zap.String("id", id), zap.Error(revertErr))
		}
		return nil, apierr.Wrap(apierr.UpstreamUnavailable, err, "update trigger %s", id)
	}
	return &next, nil
}

func (s *Scheduler) applyExternal(ctx context.Context, prev, next *ScheduledJob) error {
	if next.Expression != prev.Expression {
		state := ebtypes.RuleStateEnabled
		if !next.Enabled {
			state = ebtypes.RuleStateDisabled
		}
		if _, err := s.eb.PutRule(ctx, &eventbridge.PutRuleInput{
			Name:               aws.String(s.ruleName(next.ID)),
			ScheduleExpression: aws.String(scheduleExpression(next.Expression)),
			State:              state,
		}); err != nil {
			return err
		}
		return nil
	}
	if next.Enabled != prev.Enabled {
		if next.Enabled {
			_, err := s.eb.EnableRule(ctx, &eventbridge.EnableRuleInput{Name: aws.String(s.ruleName(next.ID))})
			return err
		}
		_, err := s.eb.DisableRule(ctx, &eventbridge.DisableRuleInput{Name: aws.String(s.ruleName(next.ID))})
		return err
	}
	return nil
}

// DeregisterJob removes the external target, the rule, then the record.
func (s *Scheduler) DeregisterJob(ctx context.Context, id string) error {
	if _, err := s.store.Get(id); err != nil {
		if IsNotFound(err) {
			return apierr.New(apierr.NotFound, "scheduled job %s not found", id)
		}
		return apierr.Wrap(apierr.Internal, err, "load scheduled job %s", id)
	}

	if _, err := s.eb.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
		Rule: aws.String(s.ruleName(id)), Ids: []string{scheduleTargetID},
	}); err != nil {
		return apierr.Wrap(apierr.UpstreamUnavailable, err, "remove trigger target %s", id)
	}
	if _, err := s.eb.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: aws.String(s.ruleName(id))}); err != nil {
		return apierr.Wrap(apierr.UpstreamUnavailable, err, "delete trigger rule %s", id)
	}
	if err := s.store.Delete(id); err != nil {
		return apierr.Wrap(apierr.StorageTransient, err, "delete scheduled job %s", id)
	}
	s.logger.Info("scheduled job deregistered", zap.String("id", id))
	return nil
}

func (s *Scheduler) ruleName(id string) string {
	return "sentra-schedule-" + id
}

// targetInput bakes the worker environment into the rule target so the
// submission endpoint needs no extra lookup when the trigger fires.
func (s *Scheduler) targetInput(job ScheduledJob) string {
	env := map[string]string{
		engine.EnvScheduledJobName: job.ID,
		engine.EnvTenantName:       job.Tenant,
		engine.EnvJobType:          string(cloud.ScanManual),
		engine.EnvTargetRegions:    engine.JoinList(job.Regions),
		engine.EnvTargetRulesets:   engine.JoinList(job.Rulesets),
	}
	encoded, _ := json.Marshal(env)
	return string(encoded)
}

package trigger

import (
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/metrics"
	"github.com/sentra-scan/sentra/internal/orchestrator"
	"github.com/sentra-scan/sentra/internal/tenants"
)

// cloudTrailDetailType marks records delivered through the CloudTrail
// management event channel.
const cloudTrailDetailType = "AWS API Call via CloudTrail"

// CloudTrailMapping resolves {event source → event name → rule names}
// for AWS audit events that warrant a reactive scan.
var CloudTrailMapping = map[string]map[string][]string{
	"aws.ec2": {
		"RunInstances":                  {"ec2-public", "ec2-imdsv2"},
		"ModifyInstanceAttribute":       {"ec2-public"},
		"CreateSecurityGroup":           {"sg-open-ingress"},
		"AuthorizeSecurityGroupIngress": {"sg-open-ingress"},
	},
	"aws.s3": {
		"CreateBucket":           {"s3-encryption", "s3-public-access"},
		"PutBucketAcl":           {"s3-public-access"},
		"PutBucketPolicy":        {"s3-public-access"},
		"DeleteBucketEncryption": {"s3-encryption"},
	},
	"aws.iam": {
		"CreateUser":       {"iam-user-mfa"},
		"CreateAccessKey":  {"iam-key-rotation"},
		"AttachUserPolicy": {"iam-admin-policy"},
	},
	"aws.rds": {
		"CreateDBInstance": {"rds-encryption", "rds-public"},
		"ModifyDBInstance": {"rds-public"},
	},
}

// MaestroMapping resolves {sub_group → action → [[event-source, event-name]]}
// pairs for the multi-cloud event channel.
var MaestroMapping = map[string]map[string][][2]string{
	"INSTANCE": {
		"CREATE": {{"compute", "instances.insert"}, {"Microsoft.Compute", "virtualMachines/write"}},
		"UPDATE": {{"compute", "instances.setMetadata"}, {"Microsoft.Compute", "virtualMachines/extensions/write"}},
		"DELETE": {{"compute", "instances.delete"}, {"Microsoft.Compute", "virtualMachines/delete"}},
	},
}

// maestroRules resolves {cloud → event-source → event-name → rule names}.
var maestroRules = map[cloud.Cloud]map[string]map[string][]string{
	cloud.Google: {
		"compute": {
			"instances.insert":      {"gce-public-ip", "gce-shielded-vm"},
			"instances.setMetadata": {"gce-oslogin"},
			"instances.delete":      {"gce-public-ip"},
		},
	},
	cloud.Azure: {
		"Microsoft.Compute": {
			"virtualMachines/write":            {"vm-managed-disk", "vm-public-ip"},
			"virtualMachines/extensions/write": {"vm-extension-allowlist"},
			"virtualMachines/delete":           {"vm-public-ip"},
		},
	},
}

// EventBridgeRecord is the subset of an EventBridge envelope the router
// inspects.
type EventBridgeRecord struct {
	DetailType string `json:"detail-type"`
	Source     string `json:"source"`
	Account    string `json:"account"`
	Region     string `json:"region"`
	Detail     struct {
		EventSource  string `json:"eventSource"`
		EventName    string `json:"eventName"`
		AWSRegion    string `json:"awsRegion"`
		UserIdentity struct {
			AccountID string `json:"accountId"`
		} `json:"userIdentity"`
	} `json:"detail"`
}

// MaestroRecord is one event from the multi-cloud audit channel.
type MaestroRecord struct {
	Cloud      string `json:"cloud"`
	TenantName string `json:"tenant_name"`
	Region     string `json:"region"`
	Group      string `json:"group"`
	SubGroup   string `json:"sub_group"`
	Source     string `json:"source"`
	Action     string `json:"action"`
	Name       string `json:"name"`
}

// Registrar accepts routed event groups for scan execution.
type Registrar interface {
	RegisterBatchResult(br orchestrator.BatchResult) (*orchestrator.BatchResult, error)
}

// TenantResolver maps event identities to registered tenants.
type TenantResolver interface {
	FindTenantByAccount(c cloud.Cloud, accountID string) (*tenants.Tenant, error)
	GetTenant(name string) (*tenants.Tenant, error)
}

// Router turns vendor audit events into batch results, one per
// (tenant, region) group.
type Router struct {
	registrar Registrar
	tenants   TenantResolver
	// selfAccount is the account the platform itself runs in. Its own
	// API activity never triggers scans.
	selfAccount string
	logger      *zap.Logger
	now         func() time.Time
}

// NewRouter wires an event router.
func NewRouter(registrar Registrar, resolver TenantResolver, selfAccount string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registrar:   registrar,
		tenants:     resolver,
		selfAccount: selfAccount,
		logger:      logger,
		now:         time.Now,
	}
}

type eventGroup struct {
	cloud   cloud.Cloud
	account string
	tenant  string
	region  string
	rules   map[string]struct{}
}

// RouteCloudTrail filters and groups AWS audit records, registering one
// batch result per (account, region). Records from unknown accounts are
// skipped with a log line, not an error.
func (r *Router) RouteCloudTrail(records []EventBridgeRecord) ([]*orchestrator.BatchResult, error) {
	groups := map[string]*eventGroup{}
	for _, rec := range records {
		if !r.acceptCloudTrail(rec) {
			continue
		}
		rules := CloudTrailMapping[rec.Source][rec.Detail.EventName]
		if len(rules) == 0 {
			continue
		}
		region := rec.Detail.AWSRegion
		if region == "" {
			region = rec.Region
		}
		if region == "" {
			region = cloud.Multiregion
		}
		key := rec.Account + "|" + region
		g, ok := groups[key]
		if !ok {
			g = &eventGroup{cloud: cloud.AWS, account: rec.Account, region: region, rules: map[string]struct{}{}}
			groups[key] = g
		}
		for _, rule := range rules {
			g.rules[rule] = struct{}{}
		}
	}
	metrics.EventsRoutedTotal.WithLabelValues("cloudtrail").Add(float64(len(records)))
	return r.register(groups)
}

func (r *Router) acceptCloudTrail(rec EventBridgeRecord) bool {
	if rec.DetailType != cloudTrailDetailType {
		if _, mapped := CloudTrailMapping[rec.Source]; !mapped {
			return false
		}
	}
	// Self-noise: activity the platform's own workers generate.
	if r.selfAccount != "" && rec.Detail.UserIdentity.AccountID == r.selfAccount {
		return false
	}
	return true
}

// RouteMaestro filters and groups multi-cloud audit records, registering
// one batch result per (cloud, tenant, region).
func (r *Router) RouteMaestro(records []MaestroRecord) ([]*orchestrator.BatchResult, error) {
	groups := map[string]*eventGroup{}
	for _, rec := range records {
		c := cloud.Cloud(rec.Cloud)
		if c != cloud.Azure && c != cloud.Google {
			continue
		}
		if rec.Group != "MANAGEMENT" || rec.SubGroup != "INSTANCE" {
			continue
		}
		rules := r.maestroRulesFor(c, rec)
		if len(rules) == 0 {
			continue
		}
		region := rec.Region
		if region == "" {
			region = cloud.Multiregion
		}
		key := string(c) + "|" + rec.TenantName + "|" + region
		g, ok := groups[key]
		if !ok {
			g = &eventGroup{cloud: c, tenant: rec.TenantName, region: region, rules: map[string]struct{}{}}
			groups[key] = g
		}
		for _, rule := range rules {
			g.rules[rule] = struct{}{}
		}
	}
	metrics.EventsRoutedTotal.WithLabelValues("maestro").Add(float64(len(records)))
	return r.register(groups)
}

// maestroRulesFor composes the action pair mapping with the per-cloud
// event-to-rule mapping.
func (r *Router) maestroRulesFor(c cloud.Cloud, rec MaestroRecord) []string {
	pairs := MaestroMapping[rec.SubGroup][rec.Action]
	if len(pairs) == 0 {
		return nil
	}
	var out []string
	for _, pair := range pairs {
		if rec.Source != "" && rec.Source != pair[0] {
			continue
		}
		out = append(out, maestroRules[c][pair[0]][pair[1]]...)
	}
	return lo.Uniq(out)
}

func (r *Router) register(groups map[string]*eventGroup) ([]*orchestrator.BatchResult, error) {
	keys := lo.Keys(groups)
	sort.Strings(keys)

	var results []*orchestrator.BatchResult
	for _, key := range keys {
		g := groups[key]

		customer := ""
		tenantName := g.tenant
		if g.cloud == cloud.AWS {
			tenant, err := r.tenants.FindTenantByAccount(cloud.AWS, g.account)
			if err != nil {
				r.logger.Info("dropping events from unregistered account",
					zap.String("account", g.account),
					zap.String("region", g.region))
				continue
			}
			tenantName = tenant.Name
			customer = tenant.Customer
		} else if tenant, err := r.tenants.GetTenant(g.tenant); err == nil {
			customer = tenant.Customer
		}
		if tenantName == "" {
			continue
		}

		ruleNames := lo.Keys(g.rules)
		sort.Strings(ruleNames)

		hash, err := contentHash(g.cloud, tenantName, g.region, ruleNames)
		if err != nil {
			return nil, fmt.Errorf("hash event group %s: %w", key, err)
		}

		br, err := r.registrar.RegisterBatchResult(orchestrator.BatchResult{
			Tenant:            tenantName,
			Customer:          customer,
			Cloud:             g.cloud,
			Region:            g.region,
			EventHash:         hash,
			RegistrationStart: r.now().UTC(),
			RegionRules:       map[string][]string{g.region: ruleNames},
		})
		if err != nil {
			return nil, err
		}
		results = append(results, br)
	}
	return results, nil
}

// contentHash identifies an event group by what it would scan, so retries
// and duplicate deliveries collapse onto one batch result.
func contentHash(c cloud.Cloud, tenant, region string, rules []string) (string, error) {
	h, err := hashstructure.Hash(struct {
		Cloud  cloud.Cloud
		Tenant string
		Region string
		Rules  []string
	}{c, tenant, region, rules}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h), nil
}

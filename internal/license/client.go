package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/rules"
)

// API is the License Manager surface the rest of the system depends on.
type API interface {
	AcceptVersion() string
	SyncLicenses(ctx context.Context, customer string) ([]License, error)
	PostJob(ctx context.Context, jobID, customer, tenant string, rulesets map[string][]string) error
	UpdateJob(ctx context.Context, jobID, customer string, created, started, stopped time.Time, status string) error
	CheckPermission(ctx context.Context, customer, licenseKey string, tenants []string) ([]string, error)
	SetActivationDate(ctx context.Context, customer, tenant string, activatedAt time.Time) error
	PublishRuleset(ctx context.Context, customer string, rs rules.Ruleset) error
}

// Client talks HTTP to the License Manager. Its capabilities depend on the
// Accept-Version negotiated at dial time: tenant-list permission checks
// need >=2.7 and ruleset publishing needs >=3.0.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenSource
	logger  *zap.Logger

	version            string
	supportsTenantList bool
	supportsRegistry   bool
}

const lmRetryAttempts = 5

// Dial probes GET /whoami and returns a client matched to the server's
// advertised version.
func Dial(ctx context.Context, baseURL string, tokens *TokenSource, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
	}

	version, err := c.whoami(ctx)
	if err != nil {
		return nil, err
	}
	c.version = version
	c.supportsTenantList = versionAtLeast(version, 2, 7)
	c.supportsRegistry = versionAtLeast(version, 3, 0)
	logger.Info("license manager dialed",
		zap.String("version", version),
		zap.Bool("tenant_list", c.supportsTenantList),
		zap.Bool("registry", c.supportsRegistry))
	return c, nil
}

// AcceptVersion returns the negotiated server version.
func (c *Client) AcceptVersion() string { return c.version }

func (c *Client) whoami(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/whoami", nil)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "build whoami request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", apierr.Wrap(apierr.UpstreamUnavailable, err, "license manager whoami")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apierr.New(apierr.UpstreamUnavailable, "license manager whoami returned %d", resp.StatusCode)
	}
	if v := resp.Header.Get("Accept-Version"); v != "" {
		return v, nil
	}
	var body struct {
		AcceptVersion string `json:"accept_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.AcceptVersion != "" {
		return body.AcceptVersion, nil
	}
	// Servers predating version negotiation are treated as the oldest
	// supported line.
	return "2.0", nil
}

// SyncLicenses pulls the customer's entitlements.
func (c *Client) SyncLicenses(ctx context.Context, customer string) ([]License, error) {
	var out struct {
		Licenses []License `json:"licenses"`
	}
	err := c.do(ctx, http.MethodPost, "/license/sync", customer,
		map[string]string{"customer": customer}, &out)
	if err != nil {
		return nil, err
	}
	return out.Licenses, nil
}

// PostJob registers a job for accounting before dispatch.
func (c *Client) PostJob(ctx context.Context, jobID, customer, tenant string, rulesets map[string][]string) error {
	return c.do(ctx, http.MethodPost, "/jobs", customer, map[string]any{
		"job_id":   jobID,
		"customer": customer,
		"tenant":   tenant,
		"rulesets": rulesets,
	}, nil)
}

// UpdateJob reports a job's lifecycle timestamps and final status.
func (c *Client) UpdateJob(ctx context.Context, jobID, customer string, created, started, stopped time.Time, status string) error {
	body := map[string]any{
		"job_id": jobID,
		"status": status,
	}
	if !created.IsZero() {
		body["created_at"] = created.UTC().Format(time.RFC3339Nano)
	}
	if !started.IsZero() {
		body["started_at"] = started.UTC().Format(time.RFC3339Nano)
	}
	if !stopped.IsZero() {
		body["stopped_at"] = stopped.UTC().Format(time.RFC3339Nano)
	}
	return c.do(ctx, http.MethodPatch, "/jobs", customer, body, nil)
}

// CheckPermission asks which of the given tenants may run a job under the
// license. Servers before 2.7 only answer for one tenant at a time, so the
// client loops.
func (c *Client) CheckPermission(ctx context.Context, customer, licenseKey string, tenants []string) ([]string, error) {
	if c.supportsTenantList {
		var out struct {
			Allowed []string `json:"allowed"`
		}
		err := c.do(ctx, http.MethodPost, "/jobs/check-permission", customer, map[string]any{
			"customer":    customer,
			"license_key": licenseKey,
			"tenants":     tenants,
		}, &out)
		if err != nil {
			return nil, err
		}
		return out.Allowed, nil
	}

	allowed := make([]string, 0, len(tenants))
	for _, tenant := range tenants {
		err := c.do(ctx, http.MethodPost, "/jobs/check-permission", customer, map[string]any{
			"customer":    customer,
			"license_key": licenseKey,
			"tenant":      tenant,
		}, nil)
		switch apierr.KindOf(err) {
		case apierr.QuotaExceeded:
			continue
		default:
			if err != nil {
				return nil, err
			}
			allowed = append(allowed, tenant)
		}
	}
	return allowed, nil
}

// SetActivationDate records when a customer's tenant went live.
func (c *Client) SetActivationDate(ctx context.Context, customer, tenant string, activatedAt time.Time) error {
	return c.do(ctx, http.MethodPost, "/customers/set-activation-date", customer, map[string]any{
		"customer":     customer,
		"tenant":       tenant,
		"activated_at": activatedAt.UTC().Format(time.RFC3339Nano),
	}, nil)
}

// PublishRuleset registers a compiled ruleset with the LM registry.
// Requires server >= 3.0.
func (c *Client) PublishRuleset(ctx context.Context, customer string, rs rules.Ruleset) error {
	if !c.supportsRegistry {
		return apierr.New(apierr.InvalidInput,
			"license manager %s does not support the ruleset registry", c.version)
	}
	return c.do(ctx, http.MethodPost, "/registry/ruleset", customer, rs, nil)
}

// do performs one LM call with retries on 5xx and network errors.
func (c *Client) do(ctx context.Context, method, path, customer string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return apierr.Wrap(apierr.EncodeDecode, err, "encode %s body", path)
		}
	}

	var lastStatus int
	var respBody []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			if c.tokens != nil && customer != "" {
				token, err := c.tokens.Token(ctx, customer)
				if err != nil {
					return retry.Unrecoverable(err)
				}
				req.Header.Set("Authorization", "Bearer "+token)
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			lastStatus = resp.StatusCode
			respBody, _ = io.ReadAll(resp.Body)
			if resp.StatusCode >= 500 {
				return fmt.Errorf("license manager returned %d", resp.StatusCode)
			}
			return nil
		},
		retry.Attempts(lmRetryAttempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return apierr.Wrap(apierr.UpstreamUnavailable, err, "%s %s", method, path)
	}

	switch {
	case lastStatus == http.StatusForbidden:
		return apierr.New(apierr.QuotaExceeded, "license manager denied %s %s", method, path)
	case lastStatus == http.StatusNotFound:
		return apierr.New(apierr.InvalidInput, "license manager has no record for %s %s", method, path)
	case lastStatus >= 400:
		return apierr.New(apierr.Internal, "license manager %s %s returned %d", method, path, lastStatus)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return apierr.Wrap(apierr.EncodeDecode, err, "decode %s response", path)
		}
	}
	return nil
}

// versionAtLeast parses "major.minor[.patch]" and compares.
func versionAtLeast(version string, major, minor int) bool {
	parts := strings.SplitN(version, ".", 3)
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	min := 0
	if len(parts) > 1 {
		min, _ = strconv.Atoi(parts[1])
	}
	if maj != major {
		return maj > major
	}
	return min >= minor
}

package rulesource

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sentra-scan/sentra/internal/events"
	"github.com/sentra-scan/sentra/internal/locks"
	"github.com/sentra-scan/sentra/internal/metrics"
	"github.com/sentra-scan/sentra/internal/rules"
	"github.com/sentra-scan/sentra/internal/secrets"
)

// Syncer reconciles the rule catalog with the current content of a git
// rule source.
type Syncer struct {
	catalog *rules.Store
	secrets secrets.Store
	fetch   *fetcher
	blame   *blamer
	locks   *locks.Keyed
	bus     *events.Bus
	logger  *zap.Logger
}

// Options tune the syncer's external endpoints, mainly for tests.
type Options struct {
	HTTPClient *http.Client
	GitHubAPI  string
}

// NewSyncer wires a syncer.
func NewSyncer(catalog *rules.Store, secretStore secrets.Store, bus *events.Bus, logger *zap.Logger, opts Options) *Syncer {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		catalog: catalog,
		secrets: secretStore,
		fetch:   newFetcher(opts.HTTPClient, opts.GitHubAPI),
		blame:   newBlamer(opts.HTTPClient, opts.GitHubAPI),
		locks:   locks.NewKeyed(),
		bus:     bus,
		logger:  logger,
	}
}

// Sync pulls one source and reconciles its rules. Catalog entries whose
// names vanished from the source are deleted; survivors are upserted. On
// any failure the source's latest_sync is marked FAILED.
func (s *Syncer) Sync(ctx context.Context, sourceID string) error {
	src, err := s.catalog.GetSource(sourceID)
	if err != nil {
		return err
	}

	release := s.locks.Acquire("rulesource-sync:" + sourceID)
	defer release()

	_ = s.catalog.SetSourceSync(sourceID, rules.LatestSync{Status: rules.SyncSyncing, SyncedAt: time.Now().UTC()})

	if err := s.sync(ctx, src); err != nil {
		_ = s.catalog.SetSourceSync(sourceID, rules.LatestSync{Status: rules.SyncFailed, SyncedAt: time.Now().UTC()})
		metrics.RuleSourceSyncsTotal.WithLabelValues(string(rules.SyncFailed)).Inc()
		s.logger.Error("rule source sync failed",
			zap.String("source", sourceID),
			zap.String("git_url", src.GitURL),
			zap.Error(err))
		return err
	}
	metrics.RuleSourceSyncsTotal.WithLabelValues(string(rules.SyncSynced)).Inc()
	return nil
}

func (s *Syncer) sync(ctx context.Context, src *rules.RuleSource) error {
	var token string
	if src.SecretName != "" {
		if v, err := s.secrets.Get(ctx, src.SecretName); err == nil {
			token = v
		} else if !secrets.IsNotFound(err) {
			return err
		}
	}

	root, releaseTag, cleanup, err := s.fetch.fetch(ctx, *src, token)
	if err != nil {
		return err
	}
	defer cleanup()

	parsed, err := parseTree(root, src.ID, src.PathPrefix, s.logger)
	if err != nil {
		return err
	}

	for i := range parsed {
		stamp := s.blame.stamp(ctx, *src, token, parsed[i].Path)
		parsed[i].CommitHash = stamp.CommitHash
		if !stamp.UpdatedAt.IsZero() {
			parsed[i].UpdatedAt = stamp.UpdatedAt
		}
	}

	existing, err := s.catalog.ListRulesBySource(src.ID)
	if err != nil {
		return err
	}
	current := make(map[string]bool, len(parsed))
	for _, r := range parsed {
		current[r.Name] = true
	}
	removed := make([]string, 0)
	for _, r := range existing {
		if !current[r.Name] {
			removed = append(removed, r.Name)
		}
	}
	if err := s.catalog.DeleteRulesByNames(src.ID, removed); err != nil {
		return err
	}
	if err := s.catalog.UpsertRules(parsed); err != nil {
		return err
	}

	sync := rules.LatestSync{
		Status:     rules.SyncSynced,
		ReleaseTag: releaseTag,
		Version:    readVersionFiles(root),
		SyncedAt:   time.Now().UTC(),
	}
	if err := s.catalog.SetSourceSync(src.ID, sync); err != nil {
		return err
	}

	s.logger.Info("rule source synced",
		zap.String("source", src.ID),
		zap.Int("rules", len(parsed)),
		zap.Int("removed", len(removed)),
		zap.String("release_tag", releaseTag))
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.RuleSourceSynced,
			Customer: src.Customer,
			Summary:  "rule source " + src.GitURL + " synced",
			Detail:   map[string]int{"rules": len(parsed), "removed": len(removed)},
		})
	}
	return nil
}

// Package rulesource pulls git-hosted rule bundles, parses their policy
// files and reconciles the rule catalog.
package rulesource

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sentra-scan/sentra/internal/cloud"
	"github.com/sentra-scan/sentra/internal/rules"
)

// policyFile is the shape of one rule definition file.
type policyFile struct {
	Policies []policy `yaml:"policies"`
}

type policy struct {
	Name        string         `yaml:"name"`
	Resource    string         `yaml:"resource"`
	Description string         `yaml:"description"`
	Comments    string         `yaml:"comments"`
	Metadata    policyMetadata `yaml:"metadata"`
}

type policyMetadata struct {
	Severity       string                         `yaml:"severity"`
	Remediation    string                         `yaml:"remediation"`
	Impact         string                         `yaml:"impact"`
	Article        string                         `yaml:"article"`
	ServiceSection string                         `yaml:"service_section"`
	Standards      map[string]map[string][]string `yaml:"standards"`
	MitreAttacks   map[string][]string            `yaml:"mitre_attacks"`
}

// cloudForResource derives the cloud from a policy's resource prefix.
func cloudForResource(resource string) (cloud.Cloud, error) {
	prefix, _, _ := strings.Cut(resource, ".")
	switch strings.ToLower(prefix) {
	case "aws":
		return cloud.AWS, nil
	case "azure":
		return cloud.Azure, nil
	case "gcp", "google":
		return cloud.Google, nil
	case "k8s", "kubernetes":
		return cloud.Kubernetes, nil
	}
	return "", fmt.Errorf("resource %q has no recognizable cloud prefix", resource)
}

// toRule validates one policy and converts it to a catalog rule.
func (p policy) toRule(sourceID, path string) (rules.Rule, error) {
	if strings.TrimSpace(p.Name) == "" {
		return rules.Rule{}, fmt.Errorf("policy without a name in %s", path)
	}
	if strings.TrimSpace(p.Resource) == "" {
		return rules.Rule{}, fmt.Errorf("policy %s has no resource", p.Name)
	}
	c, err := cloudForResource(p.Resource)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("policy %s: %w", p.Name, err)
	}

	severity := cloud.ParseSeverity(p.Metadata.Severity)
	return rules.Rule{
		Name:           p.Name,
		SourceID:       sourceID,
		Cloud:          c,
		ResourceType:   p.Resource,
		Severity:       severity,
		Description:    p.Description,
		Remediation:    p.Metadata.Remediation,
		Impact:         p.Metadata.Impact,
		Article:        p.Metadata.Article,
		ServiceSection: p.Metadata.ServiceSection,
		Standards:      p.Metadata.Standards,
		MitreAttacks:   p.Metadata.MitreAttacks,
		Path:           path,
	}, nil
}

// parseTree walks root for yaml policy files and converts every valid
// policy. Invalid policies and unreadable files are logged and skipped.
func parseTree(root, sourceID, pathPrefix string, logger *zap.Logger) ([]rules.Rule, error) {
	out := make([]rules.Rule, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		if pathPrefix != "" && !strings.HasPrefix(rel, strings.TrimPrefix(pathPrefix, "/")) {
			return nil
		}

		body, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable policy file", zap.String("path", rel), zap.Error(err))
			return nil
		}
		var file policyFile
		if err := yaml.Unmarshal(body, &file); err != nil {
			logger.Warn("skipping malformed policy file", zap.String("path", rel), zap.Error(err))
			return nil
		}
		for _, p := range file.Policies {
			rule, err := p.toRule(sourceID, rel)
			if err != nil {
				logger.Warn("skipping invalid policy", zap.String("path", rel), zap.Error(err))
				continue
			}
			out = append(out, rule)
		}
		return nil
	})
	return out, err
}

// readVersionFiles returns the repo's version markers when present.
func readVersionFiles(root string) string {
	for _, name := range []string{"version", "version-custodian", "VERSION"} {
		body, err := os.ReadFile(filepath.Join(root, name))
		if err == nil {
			return strings.TrimSpace(string(body))
		}
	}
	return ""
}

package reports

import (
	"context"

	"github.com/sentra-scan/sentra/internal/metadata"
	"github.com/sentra-scan/sentra/internal/sharding"
)

// Diff computes the new violations of current relative to previous: per
// (rule, region), the resources present now but absent before under the
// resource hash. The result reuses current's namespace and distributor and
// is meant to be written once under the difference prefix, never
// recomputed on read.
func Diff(ctx context.Context, current, previous *sharding.Collection, bundle *metadata.Bundle) (*sharding.Collection, error) {
	c := current.Namespace().Cloud

	prevParts, err := previous.IterParts(ctx, sharding.Filter{})
	if err != nil {
		return nil, err
	}
	type key struct {
		policy   string
		location string
	}
	known := make(map[key]map[uint64]bool)
	for _, p := range prevParts {
		meta, _ := bundle.Rule(p.Policy)
		k := key{policy: p.Policy, location: p.Location}
		if known[k] == nil {
			known[k] = make(map[uint64]bool)
		}
		for _, r := range FromPart(c, p, meta.ResourceType) {
			known[k][r.Hash()] = true
		}
	}

	currParts, err := current.IterParts(ctx, sharding.Filter{})
	if err != nil {
		return nil, err
	}

	out := sharding.NewCollection(current.Namespace(), nil)
	for _, p := range currParts {
		meta, _ := bundle.Rule(p.Policy)
		k := key{policy: p.Policy, location: p.Location}

		fresh := make([]map[string]any, 0)
		for _, r := range FromPart(c, p, meta.ResourceType) {
			if !known[k][r.Hash()] {
				fresh = append(fresh, r.Data)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		p.Resources = fresh
		out.PutPart(p)
	}
	return out, nil
}

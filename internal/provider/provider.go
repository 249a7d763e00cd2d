// Package provider holds the capability providers: narrow adapters over the
// external systems the engine inventories and drives. Every provider exposes
// the same minimal shape (enumerate, describe, probe) plus a small
// domain-specific verb set. Providers are stateless between calls and safe
// for concurrent use; credentials come from config at construction.
package provider

import (
	"context"
)

// Provider is the shape shared by every capability provider. Reachable is a
// non-raising probe: nil means ok, an error carries the cause with its kind.
type Provider interface {
	Name() string
	Reachable(ctx context.Context) error
}

// Reachability is the probe result reported in system status.
type Reachability struct {
	Provider string `json:"provider"`
	OK       bool   `json:"ok"`
	Cause    string `json:"cause,omitempty"`
}

// Probe runs the reachability probe and folds the outcome into a record.
func Probe(ctx context.Context, p Provider) Reachability {
	if err := p.Reachable(ctx); err != nil {
		return Reachability{Provider: p.Name(), OK: false, Cause: err.Error()}
	}
	return Reachability{Provider: p.Name(), OK: true}
}

// ProbeAll probes each provider in order.
func ProbeAll(ctx context.Context, providers []Provider) []Reachability {
	out := make([]Reachability, 0, len(providers))
	for _, p := range providers {
		out = append(out, Probe(ctx, p))
	}
	return out
}

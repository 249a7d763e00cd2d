package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/journal"
	"github.com/halyard/stackgraph/internal/provider"
	"github.com/halyard/stackgraph/internal/shared"
)

// containerSource is the provider slice the services pipeline observes.
type containerSource interface {
	Reachable(ctx context.Context) error
	List(ctx context.Context) ([]provider.ContainerRecord, error)
}

// ServicesPipeline mirrors running containers into Service nodes. A
// container missing from one poll is not tombstoned immediately; it must
// stay absent for missThreshold consecutive polls first, so a restarting
// container does not flap its node.
type ServicesPipeline struct {
	source    containerSource
	store     graphStore
	journal   *journal.Journal
	logger    *slog.Logger
	projectID string

	missThreshold int
	mu            sync.Mutex
	misses        map[string]int
}

func NewServicesPipeline(source containerSource, store graphStore, jnl *journal.Journal, logger *slog.Logger, projectID string, missThreshold int) *ServicesPipeline {
	if missThreshold <= 0 {
		missThreshold = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ServicesPipeline{
		source:        source,
		store:         store,
		journal:       jnl,
		logger:        logger,
		projectID:     projectID,
		missThreshold: missThreshold,
		misses:        make(map[string]int),
	}
}

func (p *ServicesPipeline) Name() string { return "services" }

func (p *ServicesPipeline) Run(ctx context.Context) (PipelineResult, error) {
	var result PipelineResult
	if err := p.source.Reachable(ctx); err != nil {
		return result, err
	}

	containers, err := p.source.List(ctx)
	if err != nil {
		return result, err
	}
	result.Observed = len(containers)

	var records []Record
	for _, c := range containers {
		if c.Name == "" || c.ID == "" {
			result.Ignored++
			if p.journal != nil {
				_ = p.journal.Append(journal.CategoryServices, "container missing name or id", c)
			}
			continue
		}
		records = append(records, serviceRecord(c))
	}

	current, err := p.store.Projection(ctx, graph.LabelService)
	if err != nil {
		return result, err
	}

	cs := Diff(graph.LabelService, records, current)
	cs.ToTombstone = p.gateTombstones(records, cs.ToTombstone)
	// Containment edges only for changed services; an unchanged service
	// already has its edge and re-merging would write on a no-op run.
	for _, rec := range append(append([]Record{}, cs.ToCreate...), cs.ToUpdate...) {
		cs.EdgesToMerge = append(cs.EdgesToMerge, EdgeMerge{
			Source: graph.Ref{Label: graph.LabelProject, ID: p.projectID},
			Type:   graph.EdgeContains,
			Target: graph.Ref{Label: graph.LabelService, ID: rec.ID},
		})
	}

	if !cs.Empty() {
		if err := p.store.Batch(ctx, cs.Ops(nil)); err != nil {
			return result, err
		}
	}
	result.Created = len(cs.ToCreate)
	result.Updated = len(cs.ToUpdate)
	result.Tombstoned = len(cs.ToTombstone)
	result.Edges = len(cs.EdgesToMerge)
	return result, nil
}

// gateTombstones holds back tombstone candidates until they have been
// absent for missThreshold consecutive polls. Observed ids reset their
// miss counter.
func (p *ServicesPipeline) gateTombstones(observed []Record, candidates []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range observed {
		delete(p.misses, rec.ID)
	}
	var due []string
	for _, id := range candidates {
		p.misses[id]++
		if p.misses[id] >= p.missThreshold {
			due = append(due, id)
			delete(p.misses, id)
		} else {
			p.logger.Debug("service absent, holding tombstone",
				"service", id, "misses", p.misses[id], "threshold", p.missThreshold)
		}
	}
	sort.Strings(due)
	return due
}

// serviceRecord normalizes a container into a diffable record. The node id
// is the container name with any compose hash suffix intact; the content
// hash covers everything that should trigger an update when it changes.
func serviceRecord(c provider.ContainerRecord) Record {
	envKeys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)

	// A container without a healthcheck reads unknown, never down.
	enabled := c.Healthy != nil
	health := "unknown"
	if enabled {
		if *c.Healthy {
			health = "up"
		} else {
			health = "down"
		}
	}

	// The human-readable Status ("Up 3 minutes") changes every poll and is
	// deliberately left out of the hash; State (running/exited) is stable.
	var sb strings.Builder
	fmt.Fprintf(&sb, "image=%s\nstate=%s\nprofile=%s\n", c.Image, c.State, c.Profile)
	fmt.Fprintf(&sb, "ports=%s\nnetworks=%s\nenv=%s\n",
		strings.Join(c.Ports, ","), strings.Join(c.Networks, ","), strings.Join(envKeys, ","))
	fmt.Fprintf(&sb, "healthcheck=%t\nhealth=%s\n", enabled, health)

	props := map[string]any{
		"name":                c.Name,
		"container_id":        c.ID,
		"image":               c.Image,
		"state":               c.State,
		"status":              c.Status,
		"profile":             c.Profile,
		"ports":               strings.Join(c.Ports, ","),
		"networks":            strings.Join(c.Networks, ","),
		"healthcheck_enabled": enabled,
		"health_status":       health,
	}
	// last_health_check stays out of the hash so a steady reading does
	// not rewrite the node every poll.
	if enabled {
		props["last_health_check"] = time.Now().UTC().Format(time.RFC3339)
	}
	return Record{
		ID:    c.Name,
		Hash:  shared.ContentHash(sb.String()),
		Props: props,
	}
}

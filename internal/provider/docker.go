package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/shared"
)

// ContainerRecord is one observed container. Env values are redacted before
// they leave the provider.
type ContainerRecord struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	Status   string            `json:"status"`
	State    string            `json:"state"`
	Ports    []string          `json:"ports"`
	Labels   map[string]string `json:"labels"`
	Env      map[string]string `json:"env"`
	Networks []string          `json:"networks"`
	Profile  string            `json:"profile"`
	Healthy  *bool             `json:"healthy,omitempty"`
}

// DockerRuntime adapts the local container runtime.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime creates the provider from the ambient docker environment.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errs.E("docker.New", errs.KindProviderUnavailable, err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Name() string { return "container" }

// Reachable pings the daemon.
func (d *DockerRuntime) Reachable(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return errs.E("docker.Reachable", errs.KindProviderUnavailable, err)
	}
	return nil
}

// List enumerates all containers, running or not.
func (d *DockerRuntime) List(ctx context.Context) ([]ContainerRecord, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, d.mapErr("docker.List", err)
	}
	records := make([]ContainerRecord, 0, len(summaries))
	for _, s := range summaries {
		records = append(records, recordFromSummary(s))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Describe inspects one container by id or name.
func (d *DockerRuntime) Describe(ctx context.Context, id string) (ContainerRecord, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerRecord{}, d.mapErr("docker.Describe", err)
	}

	rec := ContainerRecord{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Env:    make(map[string]string),
		Labels: map[string]string{},
	}
	if info.Config != nil {
		rec.Image = info.Config.Image
		rec.Labels = info.Config.Labels
		for _, kv := range info.Config.Env {
			key, value, found := strings.Cut(kv, "=")
			if !found {
				continue
			}
			rec.Env[key] = shared.RedactEnvValue(key, value)
		}
	}
	if info.State != nil {
		rec.State = info.State.Status
		rec.Status = info.State.Status
		if info.State.Health != nil {
			healthy := info.State.Health.Status == "healthy"
			rec.Healthy = &healthy
		}
	}
	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			rec.Networks = append(rec.Networks, name)
		}
		sort.Strings(rec.Networks)
	}
	rec.Profile = composeProfile(rec.Labels)
	return rec, nil
}

// Restart restarts a container, used by the container agent handler.
func (d *DockerRuntime) Restart(ctx context.Context, id string) error {
	if err := d.cli.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		return d.mapErr("docker.Restart", err)
	}
	return nil
}

// Close releases the underlying client.
func (d *DockerRuntime) Close() error { return d.cli.Close() }

func (d *DockerRuntime) mapErr(op string, err error) error {
	if client.IsErrNotFound(err) {
		return errs.E(op, errs.KindNotFound, err)
	}
	return errs.E(op, errs.Classify(err), err)
}

func recordFromSummary(s container.Summary) ContainerRecord {
	name := ""
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}
	rec := ContainerRecord{
		ID:     s.ID,
		Name:   name,
		Image:  s.Image,
		State:  s.State,
		Status: s.Status,
		Labels: s.Labels,
		Env:    map[string]string{},
	}
	for _, p := range s.Ports {
		if p.PublicPort > 0 {
			rec.Ports = append(rec.Ports, fmt.Sprintf("%d:%d/%s", p.PublicPort, p.PrivatePort, p.Type))
		} else {
			rec.Ports = append(rec.Ports, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
		}
	}
	sort.Strings(rec.Ports)
	// The summary only exposes health through the Status suffix. A
	// "(health: starting)" or absent suffix means no verdict yet.
	if strings.Contains(s.Status, "(healthy)") {
		healthy := true
		rec.Healthy = &healthy
	} else if strings.Contains(s.Status, "(unhealthy)") {
		healthy := false
		rec.Healthy = &healthy
	}
	if s.NetworkSettings != nil {
		for netName := range s.NetworkSettings.Networks {
			rec.Networks = append(rec.Networks, netName)
		}
		sort.Strings(rec.Networks)
	}
	rec.Profile = composeProfile(s.Labels)
	return rec
}

// composeProfile extracts the compose profile from container labels.
func composeProfile(labels map[string]string) string {
	if labels == nil {
		return ""
	}
	if p := labels["com.docker.compose.profiles"]; p != "" {
		return p
	}
	return labels["com.docker.compose.project"]
}

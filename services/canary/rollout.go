package canary

import (
	"context"
	"fmt"

	"modeld/pkg/events"
	"modeld/services/registry"
)

type rolloutData struct {
	DeploymentID    string
	ArtifactID      string
	TenantID        string
	Name            string
	Version         string
	Digest          string
	TrafficFraction float64
}

// publishRollout renders the rollout manifest at the deployment's current
// traffic fraction and hands it to the serving layer over the bus.
func (c *Controller) publishRollout(ctx context.Context, rec registry.Record, dep Deployment) error {
	manifest, err := c.engine.Render("rollout.yaml.tmpl", rolloutData{
		DeploymentID:    dep.ID.String(),
		ArtifactID:      rec.ID.String(),
		TenantID:        rec.TenantID,
		Name:            rec.Name,
		Version:         rec.Version,
		Digest:          rec.Digest,
		TrafficFraction: dep.TrafficFraction,
	})
	if err != nil {
		return fmt.Errorf("render rollout: %w", err)
	}

	return c.pub.Publish(ctx, events.SubjectCanaryRollout, events.CanaryRollout{
		DeploymentID:    dep.ID,
		ArtifactID:      rec.ID,
		TrafficFraction: dep.TrafficFraction,
		Manifest:        manifest,
		At:              c.now().UTC(),
	})
}

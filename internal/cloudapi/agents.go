package cloudapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"fleetupdater/internal/models"
)

const updateStatusAvailable = "available"

// UpdateAccepted means the platform accepted an update job for an agent. It
// says nothing about whether the update completes; the activity is never
// polled.
type UpdateAccepted struct {
	AgentID    uuid.UUID
	ActivityID uuid.UUID
}

type agentWire struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Communication struct {
		Online bool `json:"online"`
	} `json:"communication"`
	Details struct {
		Version string `json:"version"`
		OS      struct {
			Name string `json:"name"`
		} `json:"os"`
	} `json:"details"`
	UpdateState struct {
		Version string `json:"version"`
		Status  string `json:"status"`
	} `json:"updateState"`
}

// Agents lists the agents visible to the session, tagged with tenantID.
func (s *Session) Agents(ctx context.Context, tenantID uuid.UUID) ([]models.Agent, error) {
	var out struct {
		Items []agentWire `json:"items"`
	}
	if err := s.do(ctx, http.MethodGet, "/bc/api/resource_manager/v1/agents", nil, nil, &out); err != nil {
		return nil, err
	}

	agents := make([]models.Agent, 0, len(out.Items))
	for _, w := range out.Items {
		id, err := uuid.Parse(w.ID)
		if err != nil {
			return nil, fmt.Errorf("agent id %q: %w", w.ID, err)
		}
		agents = append(agents, models.Agent{
			ID:               id,
			TenantID:         tenantID,
			Hostname:         w.Name,
			OS:               w.Details.OS.Name,
			CurrentVersion:   w.Details.Version,
			AvailableVersion: w.UpdateState.Version,
			Online:           w.Communication.Online,
			UpdateAvailable:  w.UpdateState.Status == updateStatusAvailable,
		})
	}
	return agents, nil
}

// RunAutoUpdate asks the platform to update one agent. The call returns as
// soon as the job is accepted.
func (s *Session) RunAutoUpdate(ctx context.Context, agentID uuid.UUID) (UpdateAccepted, error) {
	body := map[string][]string{"machinesIds": {agentID.String()}}

	var out struct {
		Data []struct {
			ActivityID string `json:"activity_id"`
		} `json:"data"`
	}
	if err := s.do(ctx, http.MethodPost, "/bc/api/ams/resource_operations/run_auto_update", nil, body, &out); err != nil {
		return UpdateAccepted{}, err
	}
	if len(out.Data) == 0 {
		return UpdateAccepted{}, fmt.Errorf("run_auto_update for agent %s: response has no activity", agentID)
	}
	activityID, err := uuid.Parse(out.Data[0].ActivityID)
	if err != nil {
		return UpdateAccepted{}, fmt.Errorf("run_auto_update for agent %s: activity id %q: %w", agentID, out.Data[0].ActivityID, err)
	}
	return UpdateAccepted{AgentID: agentID, ActivityID: activityID}, nil
}

// Package marketplace queries the external workload marketplace that
// hosts agent containers. All lookups are best-effort: the chain stays
// the source of truth about liveness, and marketplace failures only
// degrade report fidelity.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentarium/vigil/pkg/models"
)

// deploymentTimeout bounds a deployment status lookup.
const deploymentTimeout = 10 * time.Second

// probeTimeout bounds a direct container health probe.
const probeTimeout = 5 * time.Second

// ErrUnknown marks a marketplace lookup that failed or returned an
// unrecognized answer. Callers treat the deployment state as unknown
// and continue.
var ErrUnknown = errors.New("marketplace state unknown")

// Client provides HTTP access to the marketplace API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a marketplace client for the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: deploymentTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// deploymentResponse is the marketplace's answer for a single
// deployment lookup.
type deploymentResponse struct {
	State        string `json:"state"`
	HostEndpoint string `json:"host_endpoint,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// DeploymentStatus looks up the current state of the container bound
// to (sequenceID, owner). A failed or unparseable lookup returns a
// status with state unknown and ErrUnknown.
func (c *Client) DeploymentStatus(ctx context.Context, sequenceID uint64, owner string) (models.DeploymentStatus, error) {
	now := time.Now()
	unknown := models.DeploymentStatus{State: models.DeploymentUnknown, LastChecked: now}

	url := fmt.Sprintf("%s/v1/deployments/%s/%d", c.baseURL, owner, sequenceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return unknown, fmt.Errorf("%w: create request: %v", ErrUnknown, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return unknown, fmt.Errorf("%w: fetch deployment %d: %v", ErrUnknown, sequenceID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// The marketplace has no record of the deployment. That is a
		// real answer, not a lookup failure.
		return models.DeploymentStatus{State: models.DeploymentClosed, LastChecked: now}, nil
	default:
		return unknown, fmt.Errorf("%w: marketplace returned HTTP %d for deployment %d",
			ErrUnknown, resp.StatusCode, sequenceID)
	}

	var body deploymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return unknown, fmt.Errorf("%w: decode deployment response: %v", ErrUnknown, err)
	}

	return models.DeploymentStatus{
		State:        mapState(body.State),
		HostEndpoint: body.HostEndpoint,
		LastChecked:  now,
	}, nil
}

// HealthProbe checks whether the container behind hostEndpoint answers
// its health route. Any failure reports unhealthy; the probe never
// returns an error.
func (c *Client) HealthProbe(ctx context.Context, hostEndpoint string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := strings.TrimRight(hostEndpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// mapState normalizes the marketplace's state vocabulary. Anything the
// control plane does not recognize degrades to unknown rather than
// failing the lookup.
func mapState(s string) models.DeploymentState {
	switch strings.ToLower(s) {
	case "active", "running", "deployed":
		return models.DeploymentActive
	case "inactive", "paused":
		return models.DeploymentInactive
	case "closed", "terminated":
		return models.DeploymentClosed
	case "error", "failed":
		return models.DeploymentError
	default:
		return models.DeploymentUnknown
	}
}

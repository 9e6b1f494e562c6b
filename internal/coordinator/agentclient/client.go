package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/storagefleet/backup-fleet/internal/coordinator/domain"
	"github.com/storagefleet/backup-fleet/internal/coordinator/registry"
)

// Client calls agent endpoints over HTTP with a per-call timeout. Every
// transport failure is surfaced as domain.ErrNodeUnreachable so the
// dispatcher can treat all of them as a retry-on-different-node signal.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an agent client with the given per-call timeout
func New(requestTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

// RunJob asks an agent to start a job. A 409 means the agent's gate is
// full and is returned as domain.ErrAgentBusy.
func (c *Client) RunJob(ctx context.Context, address string, port int, jobID, sourcePath string) error {
	body, err := json.Marshal(map[string]string{
		"job_id":      jobID,
		"source_path": sourcePath,
	})
	if err != nil {
		return fmt.Errorf("failed to encode job request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/api/v1/jobs", address, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNodeUnreachable, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return domain.ErrAgentBusy
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The agent refused the job itself, not its current load; another
		// node would refuse the same request.
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s", domain.ErrJobRejected, apiErr.Error)
		}
		return fmt.Errorf("%w: status %d", domain.ErrJobRejected, resp.StatusCode)
	default:
		return fmt.Errorf("agent rejected job: status %d", resp.StatusCode)
	}
}

// GetJobStatus fetches an agent's view of one job
func (c *Client) GetJobStatus(ctx context.Context, address string, port int, jobID string) (*domain.AgentJobStatus, error) {
	url := fmt.Sprintf("http://%s:%d/api/v1/jobs/%s", address, port, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNodeUnreachable, err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrJobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent status query failed: status %d", resp.StatusCode)
	}

	var status domain.AgentJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode job status: %w", err)
	}

	return &status, nil
}

// CancelJob asks an agent to abort a job. Best effort only; the agent may
// not honor it mid-operation.
func (c *Client) CancelJob(ctx context.Context, address string, port int, jobID string) error {
	url := fmt.Sprintf("http://%s:%d/api/v1/jobs/%s/cancel", address, port, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build cancel request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNodeUnreachable, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent cancel failed: status %d", resp.StatusCode)
	}

	return nil
}

// GetCapacity fetches an agent's liveness/capacity probe. It implements
// registry.CapacityProber.
func (c *Client) GetCapacity(ctx context.Context, address string, port int) (registry.Capacity, error) {
	url := fmt.Sprintf("http://%s:%d/api/v1/capacity", address, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return registry.Capacity{}, fmt.Errorf("failed to build capacity request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return registry.Capacity{}, fmt.Errorf("%w: %v", domain.ErrNodeUnreachable, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return registry.Capacity{}, fmt.Errorf("agent capacity query failed: status %d", resp.StatusCode)
	}

	var probe struct {
		Active  int  `json:"active"`
		Max     int  `json:"max"`
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		return registry.Capacity{}, fmt.Errorf("failed to decode capacity probe: %w", err)
	}

	return registry.Capacity{
		Active:  probe.Active,
		Max:     probe.Max,
		Healthy: probe.Healthy,
	}, nil
}

// drain discards the remaining body so connections can be reused
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// Package ui implements the terminal job watcher. It polls the running
// service over its REST surface rather than opening the database, so it
// can follow a remote deployment as easily as a local one.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// JobSummary is one row of the job list.
type JobSummary struct {
	JobID     string  `json:"job_id"`
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// JobDetail is the full status of one job.
type JobDetail struct {
	JobID    string                   `json:"job_id"`
	Type     string                   `json:"type"`
	Status   string                   `json:"status"`
	Progress float64                  `json:"progress"`
	Logs     []map[string]interface{} `json:"logs"`
	Result   map[string]interface{}   `json:"result"`
}

// Client talks to a running dossier server.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", http.MethodGet, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListJobs returns the most recently updated jobs, newest first.
func (c *Client) ListJobs(ctx context.Context) ([]JobSummary, error) {
	var body struct {
		Jobs []JobSummary `json:"jobs"`
	}
	if err := c.get(ctx, "/jobs", &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

// JobStatus returns the full status of one job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobDetail, error) {
	var detail JobDetail
	if err := c.get(ctx, "/job_status/"+jobID, &detail); err != nil {
		return nil, err
	}
	if detail.JobID == "" {
		detail.JobID = jobID
	}
	return &detail, nil
}

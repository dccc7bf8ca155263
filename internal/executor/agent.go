package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AgentConfig points at a phone-agent service (an OpenAI-compatible endpoint
// fronting the on-device automation agent).
type AgentConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds one automation run end to end. Automation is slow
	// (tens of UI steps); default is generous.
	Timeout time.Duration
}

// Agent executes jobs by POSTing them to the phone-agent service, which
// drives the device and returns the agent's final message and step count.
type Agent struct {
	cfg        AgentConfig
	httpClient *http.Client
}

func NewAgent(cfg AgentConfig) *Agent {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "autoglm-phone-9b"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Agent{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type agentRunRequest struct {
	Model    string `json:"model"`
	Task     string `json:"task"`
	DeviceID string `json:"device_id"`
}

type agentRunResponse struct {
	Message string `json:"message"`
	Steps   int    `json:"steps"`
	Error   string `json:"error,omitempty"`
}

func (a *Agent) Execute(ctx context.Context, taskText, deviceID string) (string, int, error) {
	body, err := json.Marshal(agentRunRequest{
		Model:    a.cfg.Model,
		Task:     taskText,
		DeviceID: deviceID,
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/agent/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("agent returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var out agentRunResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", 0, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", 0, fmt.Errorf("agent error: %s", out.Error)
	}
	return out.Message, out.Steps, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

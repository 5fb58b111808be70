// Package hostclient is the Runner's outbound HTTP client to the Host:
// register, heartbeat, and out-of-band task status pushes. Grounded on
// node-agent/internal/agent.go's register/sendHeartbeat (json.Marshal body,
// http.NewRequestWithContext, single shared *http.Client).
package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// Client talks to the Host's gateway on behalf of one Runner.
type Client struct {
	hostAddr string
	hc       *http.Client
}

// New constructs a Client against hostAddr (e.g. "http://host:8000").
func New(hostAddr string) *Client {
	return &Client{
		hostAddr: hostAddr,
		hc:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Register implements the Runner side of §4.2 registration.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	var resp models.RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/register", req, &resp); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &resp, nil
}

// Heartbeat implements the Runner side of §4.2's periodic heartbeat.
func (c *Client) Heartbeat(ctx context.Context, hostname string, report models.HeartbeatReport) error {
	path := fmt.Sprintf("/api/heartbeat/%s", hostname)
	if err := c.doJSON(ctx, http.MethodPut, path, report, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// ReportUpdate pushes an out-of-band terminal-status transition for a task
// (exit, OOM kill) rather than waiting for the next heartbeat tick.
func (c *Client) ReportUpdate(ctx context.Context, taskID int64, status models.TaskStatus, exitCode *int, errMsg string) error {
	body := struct {
		TaskID   int64             `json:"task_id"`
		Status   models.TaskStatus `json:"status"`
		ExitCode *int              `json:"exit_code"`
		ErrorMsg string            `json:"error_message"`
	}{TaskID: taskID, Status: status, ExitCode: exitCode, ErrorMsg: errMsg}

	if err := c.doJSON(ctx, http.MethodPost, "/api/update", body, nil); err != nil {
		return fmt.Errorf("report update: %w", err)
	}
	return nil
}

// ReportSSHPort reports the dynamic host port discovered for a VPS's mapped
// SSH port (§4.4).
func (c *Client) ReportSSHPort(ctx context.Context, taskID int64, sshPort int) error {
	path := fmt.Sprintf("/api/tasks/%d/ssh-port", taskID)
	body := struct {
		SSHPort int `json:"ssh_port"`
	}{SSHPort: sshPort}
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("report ssh port: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.hostAddr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("host returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

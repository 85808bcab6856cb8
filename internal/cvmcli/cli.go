package cvmcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// AppStatus is the CLI's view of a confidential VM.
type AppStatus struct {
	State      string   `json:"state"` // creating, running, stopped, failed
	PublicURLs []string `json:"public_urls,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// CLI is the subprocess boundary to the CVM host's command-line tool.
type CLI interface {
	Create(ctx context.Context, name, composePath, envPath string) (string, error)
	Status(ctx context.Context, appID string) (*AppStatus, error)
	Stop(ctx context.Context, appID string) error
	Start(ctx context.Context, appID string) error
	Delete(ctx context.Context, appID string) error
	Logs(ctx context.Context, appID string, tail int) (string, error)
	Attestation(ctx context.Context, appID string) (string, error)
}

// ExecCLI invokes the CVM host's binary as a subprocess.
type ExecCLI struct {
	binary string
}

func NewExecCLI(binary string) *ExecCLI {
	return &ExecCLI{binary: binary}
}

func (c *ExecCLI) Create(ctx context.Context, name, composePath, envPath string) (string, error) {
	args := []string{"create", "--name", name, "--compose", composePath}
	if envPath != "" {
		args = append(args, "--env-file", envPath)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}

	var created struct {
		AppID string `json:"app_id"`
	}
	if err := decodePayload(out, &created); err != nil {
		return "", fmt.Errorf("failed to parse create output: %w", err)
	}
	if created.AppID == "" {
		return "", fmt.Errorf("create output contained no app id")
	}
	return created.AppID, nil
}

func (c *ExecCLI) Status(ctx context.Context, appID string) (*AppStatus, error) {
	out, err := c.run(ctx, "status", appID, "--json")
	if err != nil {
		return nil, err
	}

	var status AppStatus
	if err := decodePayload(out, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status output: %w", err)
	}
	return &status, nil
}

func (c *ExecCLI) Stop(ctx context.Context, appID string) error {
	_, err := c.run(ctx, "stop", appID)
	return err
}

func (c *ExecCLI) Start(ctx context.Context, appID string) error {
	_, err := c.run(ctx, "start", appID)
	return err
}

func (c *ExecCLI) Delete(ctx context.Context, appID string) error {
	_, err := c.run(ctx, "delete", appID, "--force")
	return err
}

func (c *ExecCLI) Logs(ctx context.Context, appID string, tail int) (string, error) {
	args := []string{"logs", appID}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	return c.run(ctx, args...)
}

func (c *ExecCLI) Attestation(ctx context.Context, appID string) (string, error) {
	return c.run(ctx, "attestation", appID)
}

func (c *ExecCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %s: %w", c.binary, args[0], stderr.String(), err)
	}
	return stdout.String(), nil
}

func decodePayload(out string, v interface{}) error {
	payload, err := ExtractJSON(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

package pod

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// SubStatus values reported by the orchestrator for each pod.
const (
	SubStatusRunning  = "RUNNING"
	SubStatusStarting = "STARTING"
	SubStatusCreated  = "CREATED"
)

// Status is the orchestrator's view of the two pods backing a dream
// session: the renderer and the frame generator.
type Status struct {
	Renderer  string
	Generator string
}

// Orchestrator is the external pod provider. The admin panel that fronts it
// holds the provider credentials; this service only triggers lifecycle
// events.
type Orchestrator interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// AdminClient talks to the admin panel's pod endpoints over HTTP.
type AdminClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewAdminClient(baseURL, token string) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *AdminClient) Start(ctx context.Context) error {
	return c.post(ctx, "/api/dreams/pods/start")
}

func (c *AdminClient) Stop(ctx context.Context) error {
	return c.post(ctx, "/api/dreams/pods/stop")
}

func (c *AdminClient) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/dreams/pods/status", nil)
	if err != nil {
		return Status{}, err
	}
	c.auth(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("orchestrator status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Status{}, fmt.Errorf("orchestrator status: %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Renderer struct {
			Status string `json:"status"`
		} `json:"renderer"`
		Generator struct {
			Status string `json:"status"`
		} `json:"generator"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Status{}, fmt.Errorf("orchestrator status: decode: %w", err)
	}

	return Status{
		Renderer:  payload.Renderer.Status,
		Generator: payload.Generator.Status,
	}, nil
}

// post issues a lifecycle POST, retrying transport failures a few times.
// HTTP-level rejections are final: the admin panel has seen the request.
func (c *AdminClient) post(ctx context.Context, path string) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			c.auth(req)

			resp, err := c.hc.Do(req)
			if err != nil {
				return fmt.Errorf("orchestrator %s: %w", path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return retry.Unrecoverable(fmt.Errorf("orchestrator %s: %d: %s", path, resp.StatusCode, string(body)))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (c *AdminClient) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

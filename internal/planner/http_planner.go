package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/sabiseeds/agentmesh/internal/model"
)

// HTTPPlanner calls an external decomposition service over HTTP. The
// service's identity, prompt, and model are deliberately none of this
// package's concern (spec §1) — only the request/response envelope is.
type HTTPPlanner struct {
	client *http.Client
	url    string
	tracer trace.Tracer
}

type httpPlanRequest struct {
	Description string             `json:"description"`
	Vocabulary  []model.Capability `json:"vocabulary"`
}

// NewHTTPPlanner builds a planner client against url. A nil client gets
// a pooled default transport sized for modest concurrency.
func NewHTTPPlanner(url string, client *http.Client) *HTTPPlanner {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPPlanner{client: client, url: url, tracer: otel.Tracer("agentmesh-planner")}
}

// Plan posts the description and capability vocabulary to the configured
// endpoint and parses the response as a Plan.
func (p *HTTPPlanner) Plan(ctx context.Context, description string, vocabulary []model.Capability) (*Plan, error) {
	ctx, span := p.tracer.Start(ctx, "planner.plan", trace.WithAttributes(attribute.Int("description_len", len(description))))
	defer span.End()

	reqBody, err := json.Marshal(httpPlanRequest{Description: description, Vocabulary: vocabulary})
	if err != nil {
		return nil, fmt.Errorf("marshal planner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build planner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call planner: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read planner response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("planner returned status %d: %s", resp.StatusCode, string(body))
	}

	var plan Plan
	if err := json.Unmarshal(body, &plan); err != nil {
		return nil, fmt.Errorf("parse planner response: %w", err)
	}

	span.SetAttributes(attribute.Int("subtask_count", len(plan.Subtasks)))
	return &plan, nil
}

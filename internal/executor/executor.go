// Package executor provides the pluggable per-capability execution
// backends a Worker binary runs a subtask's payload through, selected
// by the subtask's first matching Capability. Real agent
// implementations are expected to replace or wrap these with something
// that actually calls an LLM, a scraper, or a database; what ships
// here is enough to demonstrate the wiring and to be useful for
// integration testing without external dependencies.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sabiseeds/agentmesh/internal/model"
)

// Executor runs a single subtask's payload and returns its output blob.
type Executor interface {
	Execute(ctx context.Context, subtask model.SubTask, upstreamContext json.RawMessage) (json.RawMessage, error)
}

// Registry dispatches to an Executor by capability via a
// lookup-and-invoke map, with a fallback for anything unmatched.
type Registry struct {
	byCapability map[model.Capability]Executor
	fallback     Executor
	tracer       trace.Tracer
}

// NewDefaultRegistry wires one Executor per capability named in spec
// §3's vocabulary. api_integration and web_scraping both resolve to an
// HTTP call since scraping is, mechanically, an HTTP GET followed by
// local parsing; code_generation resolves to a whitelisted shell
// command, standing in for a real sandboxed code runner. The remaining
// capabilities (data_analysis, file_processing, database_operations)
// have no safe zero-configuration backend, so they fall through to the
// echo executor until a deployment wires a real one in.
func NewDefaultRegistry(httpTimeout time.Duration) *Registry {
	httpExec := NewHTTPExecutor(httpTimeout)
	shellExec := NewShellExecutor(nil)
	echoExec := NewEchoExecutor()

	return &Registry{
		byCapability: map[model.Capability]Executor{
			model.CapabilityAPIIntegration: httpExec,
			model.CapabilityWebScraping:     httpExec,
			model.CapabilityCodeGeneration:  shellExec,
		},
		fallback: echoExec,
		tracer:   otel.Tracer("agentmesh-executor"),
	}
}

// Execute picks the first registered capability present on the
// subtask and runs it there; with none registered, it runs the
// fallback executor.
func (r *Registry) Execute(ctx context.Context, subtask model.SubTask, upstreamContext json.RawMessage) (json.RawMessage, error) {
	ctx, span := r.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(attribute.String("subtask_id", subtask.ID)))
	defer span.End()

	exec := r.fallback
	for _, cap := range subtask.RequiredCapabilities {
		if e, ok := r.byCapability[cap]; ok {
			exec = e
			span.SetAttributes(attribute.String("executor_capability", string(cap)))
			break
		}
	}
	return exec.Execute(ctx, subtask, upstreamContext)
}

// HTTPExecutor treats the subtask description as a URL (or a
// "METHOD url" pair) and reports back the response body.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{client: &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}}
}

func (h *HTTPExecutor) Execute(ctx context.Context, subtask model.SubTask, upstreamContext json.RawMessage) (json.RawMessage, error) {
	method, url := http.MethodGet, strings.TrimSpace(subtask.Description)
	if fields := strings.Fields(subtask.Description); len(fields) == 2 && isHTTPMethod(fields[0]) {
		method, url = strings.ToUpper(fields[0]), fields[1]
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("subtask description is not a URL: %q", subtask.Description)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "agentmesh-worker/1.0")
	otel.GetTextMapPropagator().Inject(ctx, propagation{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	out, _ := json.Marshal(map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(body),
	})
	return out, nil
}

func isHTTPMethod(s string) bool {
	switch strings.ToUpper(s) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

// ShellExecutor runs the subtask description as a whitelisted shell
// command. The whitelist defaults to a safe read-only tool set.
type ShellExecutor struct {
	allowed map[string]bool
}

func NewShellExecutor(allowed []string) *ShellExecutor {
	if len(allowed) == 0 {
		allowed = []string{"echo", "cat", "grep", "awk", "sed", "jq"}
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return &ShellExecutor{allowed: set}
}

func (s *ShellExecutor) Execute(ctx context.Context, subtask model.SubTask, upstreamContext json.RawMessage) (json.RawMessage, error) {
	parts := strings.Fields(subtask.Description)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if !s.allowed[parts[0]] {
		return nil, fmt.Errorf("command not allowed: %s", parts[0])
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, stderr.String())
	}

	out, _ := json.Marshal(map[string]any{
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	})
	return out, nil
}

// EchoExecutor is the zero-configuration fallback: it reports the
// subtask back verbatim alongside its upstream context, enough to
// exercise the full dispatch/result pipeline without any external
// dependency.
type EchoExecutor struct{}

func NewEchoExecutor() *EchoExecutor { return &EchoExecutor{} }

func (e *EchoExecutor) Execute(ctx context.Context, subtask model.SubTask, upstreamContext json.RawMessage) (json.RawMessage, error) {
	out, _ := json.Marshal(map[string]any{
		"subtask_id":       subtask.ID,
		"description_echo": subtask.Description,
		"upstream_context": upstreamContext,
	})
	return out, nil
}

type propagation struct{ h http.Header }

func (p propagation) Get(key string) string { return p.h.Get(key) }
func (p propagation) Set(key, value string) { p.h.Set(key, value) }
func (p propagation) Keys() []string {
	keys := make([]string, 0, len(p.h))
	for k := range p.h {
		keys = append(keys, k)
	}
	return keys
}

// Package tools defines the tools available to the voice assistant.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/vanguard/internal/llm"
	"github.com/nugget/vanguard/internal/transit"
)

// Tool wire names.
const (
	GetRoutes       = "get_routes"
	GetSchedule     = "get_schedule"
	ReportLostItem  = "report_lost_item"
	TransferToHuman = "transfer_to_human"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Handler executes a tool with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Result is the outcome of one tool invocation. Content is the JSON
// payload handed back to the model. Transfer is set when the tool asks
// for the call to be handed to a human; the conversation loop decides
// when to act on it.
type Result struct {
	Content        string
	Transfer       bool
	TransferReason string

	// Err is the failure, if any, already rendered into Content.
	Err error
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	order   []string
	catalog *transit.Catalog
	reports ReportStore
	logger  *slog.Logger

	newReference func() (string, error)
}

// NewRegistry creates a registry with the transit tools. A nil catalog
// uses the built-in dataset; a nil report store keeps reports in the
// returned payload only.
func NewRegistry(catalog *transit.Catalog, reports ReportStore, logger *slog.Logger) *Registry {
	if catalog == nil {
		catalog = transit.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:   make(map[string]*Tool),
		catalog: catalog,
		reports: reports,
		logger:  logger.With("component", "tools"),

		newReference: NewReference,
	}
	r.registerTransitTools()
	r.registerLostItemTools()
	r.registerTransferTools()
	return r
}

// Register adds a tool to the registry. Re-registering a name replaces
// the handler but keeps its original position.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Definitions returns the tool definitions offered to the model, in
// registration order.
func (r *Registry) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Execute runs a tool by name with the raw JSON arguments produced by
// the model. It never fails: unknown tools, malformed arguments and
// handler errors are rendered as an {"error": ...} payload so the model
// can rephrase or retry.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) Result {
	res, err := r.execute(ctx, name, argsJSON)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return errorResult(err)
	}
	return res
}

func (r *Registry) execute(ctx context.Context, name, argsJSON string) (Result, error) {
	tool := r.tools[name]
	if tool == nil {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}

	args, err := decodeArgs(name, argsJSON)
	if err != nil {
		return Result{}, err
	}
	if err := validateArgs(name, tool.Parameters, args); err != nil {
		return Result{}, err
	}

	return tool.Handler(ctx, args)
}

// jsonResult marshals v as the tool payload.
func jsonResult(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("marshal result: %w", err)
	}
	return Result{Content: string(data)}, nil
}

func errorResult(err error) Result {
	msg := err.Error()
	if errors.Is(err, transit.ErrRouteNotFound) {
		msg = routeNotFoundMessage(err)
	}
	data, _ := json.Marshal(map[string]string{"error": msg})
	return Result{Content: string(data), Err: err}
}

// stringArg returns args[key] as a string; validation has already
// checked its type.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

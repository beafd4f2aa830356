package tools

import (
	"context"
	"errors"
	"fmt"
)

func (r *Registry) registerTransitTools() {
	r.Register(&Tool{
		Name:        GetRoutes,
		Description: "Get a list of all Signal City Transit routes with their stops and descriptions.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
		Handler: r.handleGetRoutes,
	})

	r.Register(&Tool{
		Name:        GetSchedule,
		Description: "Get the schedule for a specific Signal City Transit route, including weekday and weekend service hours and frequency.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"route_name": map[string]any{
					"type":        "string",
					"description": `The name or partial name of the route (e.g. "Ferry", "Route 42", "Metro")`,
				},
			},
			"required": []string{"route_name"},
		},
		Handler: r.handleGetSchedule,
	})
}

func (r *Registry) handleGetRoutes(_ context.Context, _ map[string]any) (Result, error) {
	return jsonResult(r.catalog.Routes())
}

func (r *Registry) handleGetSchedule(_ context.Context, args map[string]any) (Result, error) {
	route := stringArg(args, "route_name")
	sched, err := r.catalog.Schedule(route)
	if err != nil {
		return Result{}, &routeLookupError{fragment: route, err: err}
	}
	return jsonResult(sched)
}

// routeLookupError keeps the caller's wording for the error payload.
type routeLookupError struct {
	fragment string
	err      error
}

func (e *routeLookupError) Error() string { return e.err.Error() }
func (e *routeLookupError) Unwrap() error { return e.err }

func routeNotFoundMessage(err error) string {
	var le *routeLookupError
	if errors.As(err, &le) {
		return fmt.Sprintf("No route found matching %q", le.fragment)
	}
	return "No matching route found"
}

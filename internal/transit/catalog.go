// Package transit provides read-only access to the Signal City Transit
// route and schedule dataset.
package transit

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed routes.yaml
var defaultRoutes []byte

// ErrRouteNotFound is returned when no route name contains the
// requested fragment.
var ErrRouteNotFound = errors.New("route not found")

// Route is one transit route.
type Route struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Stops       []string `yaml:"stops" json:"stops"`
	Schedule    Schedule `yaml:"schedule" json:"schedule"`
}

// Schedule holds weekday and weekend service for a route.
type Schedule struct {
	Weekday Service `yaml:"weekday" json:"weekday"`
	Weekend Service `yaml:"weekend" json:"weekend"`
}

// Service describes the span and frequency of service for a day type.
type Service struct {
	First     string `yaml:"first" json:"first"`
	Last      string `yaml:"last" json:"last"`
	Frequency string `yaml:"frequency" json:"frequency"`
}

// RouteSummary is the catalog view of a route, without its schedule.
type RouteSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Stops       []string `json:"stops"`
}

// RouteSchedule is the answer to a schedule lookup.
type RouteSchedule struct {
	Route    string   `json:"route"`
	Stops    []string `json:"stops"`
	Schedule Schedule `json:"schedule"`
}

// RouteStops is the answer to a stops lookup.
type RouteStops struct {
	Route string   `json:"route"`
	Stops []string `json:"stops"`
}

// Catalog is an immutable route dataset. It is safe for concurrent use.
type Catalog struct {
	routes []Route
}

type catalogFile struct {
	Routes []Route `yaml:"routes"`
}

// Load reads a dataset from path. YAML and JSON are both accepted. An
// empty path loads the built-in dataset.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultRoutes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("routes %s: %w", path, err)
	}
	return c, nil
}

// DefaultData returns a copy of the built-in dataset source.
func DefaultData() []byte {
	return bytes.Clone(defaultRoutes)
}

// Default returns the built-in dataset.
func Default() *Catalog {
	c, err := Parse(defaultRoutes)
	if err != nil {
		panic("transit: embedded dataset is invalid: " + err.Error())
	}
	return c
}

// Parse decodes a dataset and checks that every route has a name.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, errors.New("dataset has no routes")
	}
	for i, r := range f.Routes {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("route %d has no name", i)
		}
	}
	return &Catalog{routes: f.Routes}, nil
}

// Len returns the number of routes.
func (c *Catalog) Len() int { return len(c.routes) }

// Routes returns a summary of every route in dataset order.
func (c *Catalog) Routes() []RouteSummary {
	out := make([]RouteSummary, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, RouteSummary{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Stops:       append([]string(nil), r.Stops...),
		})
	}
	return out
}

// Schedule returns the schedule of the first route whose name contains
// fragment, ignoring case.
func (c *Catalog) Schedule(fragment string) (RouteSchedule, error) {
	r, err := c.find(fragment)
	if err != nil {
		return RouteSchedule{}, err
	}
	return RouteSchedule{
		Route:    r.Name,
		Stops:    append([]string(nil), r.Stops...),
		Schedule: r.Schedule,
	}, nil
}

// Stops returns the stops of the first route whose name contains
// fragment, ignoring case.
func (c *Catalog) Stops(fragment string) (RouteStops, error) {
	r, err := c.find(fragment)
	if err != nil {
		return RouteStops{}, err
	}
	return RouteStops{Route: r.Name, Stops: append([]string(nil), r.Stops...)}, nil
}

func (c *Catalog) find(fragment string) (*Route, error) {
	needle := strings.ToLower(strings.TrimSpace(fragment))
	if needle == "" {
		return nil, fmt.Errorf("%w: empty route name", ErrRouteNotFound)
	}
	for i := range c.routes {
		if strings.Contains(strings.ToLower(c.routes[i].Name), needle) {
			return &c.routes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no route matching %q", ErrRouteNotFound, fragment)
}

package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
)

// Client is the interface that all completion providers implement.
type Client interface {
	// Stream opens one streaming completion round. The returned
	// sequence is lazy, finite and single-use: ranging over it issues
	// the HTTP request, and breaking out of the range abandons the
	// stream and releases the connection. A non-nil error is always
	// the final element. Cancelling ctx aborts in-flight I/O and
	// surfaces ctx.Err().
	Stream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error]

	// Ping checks that the provider is reachable and the key is accepted.
	Ping(ctx context.Context) error

	// Provider returns the provider name ("openai", "anthropic").
	Provider() string
}

// Options configure a provider client.
type Options struct {
	Provider string
	APIKey   string
	BaseURL  string
	Logger   *slog.Logger
}

// New returns the client for opts.Provider.
func New(opts Options) (Client, error) {
	switch strings.ToLower(opts.Provider) {
	case "", "openai":
		return NewOpenAIClient(opts.APIKey, opts.BaseURL, opts.Logger), nil
	case "anthropic":
		return NewAnthropicClient(opts.APIKey, opts.BaseURL, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", opts.Provider)
	}
}

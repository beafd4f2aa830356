// Package conversation drives a caller turn: it streams model rounds,
// executes the tools the model asks for, and emits the outbound frames
// of the turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/vanguard/internal/config"
	"github.com/nugget/vanguard/internal/events"
	"github.com/nugget/vanguard/internal/llm"
	"github.com/nugget/vanguard/internal/session"
	"github.com/nugget/vanguard/internal/tools"
	"github.com/nugget/vanguard/internal/usage"
)

// DefaultMaxRounds bounds the model rounds of a single turn.
const DefaultMaxRounds = 8

// ErrMaxRounds is returned when a turn keeps requesting tools past the
// round bound.
var ErrMaxRounds = errors.New("round limit reached")

// errCancelled marks a turn whose handle was invalidated. It never
// reaches the caller.
var errCancelled = errors.New("turn cancelled")

// Outcome is how a turn ended.
type Outcome int

const (
	// OutcomeAnswered is a turn that ended with a spoken answer.
	OutcomeAnswered Outcome = iota
	// OutcomeTransferred is a turn that handed the call to a human.
	OutcomeTransferred
	// OutcomeFailed is a turn that ended with the apology.
	OutcomeFailed
	// OutcomeCancelled is a turn abandoned after interruption.
	OutcomeCancelled
)

// String returns a log-friendly name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeAnswered:
		return "answered"
	case OutcomeTransferred:
		return "transferred"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ToolExecutor runs tools on behalf of the model.
type ToolExecutor interface {
	Definitions() []llm.ToolDef
	Execute(ctx context.Context, name, argsJSON string) tools.Result
}

// UsageRecorder persists per-round token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds the model settings of the loop.
type Config struct {
	Model        string
	MaxTokens    int
	MaxRounds    int
	SystemPrompt string
	Pricing      map[string]config.PricingEntry
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithEventBus publishes turn events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// WithUsageRecorder records per-round token usage.
func WithUsageRecorder(rec UsageRecorder) Option {
	return func(l *Loop) { l.usage = rec }
}

// Loop is the conversation loop. It holds no per-call state and is
// safe for concurrent use across sessions.
type Loop struct {
	client llm.Client
	tools  ToolExecutor
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	usage  UsageRecorder
}

// NewLoop creates a conversation loop.
func NewLoop(client llm.Client, executor ToolExecutor, cfg Config, opts ...Option) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt
	}
	l := &Loop{
		client: client,
		tools:  executor,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "conversation")
	return l
}

// HandleUtterance starts a turn for text and runs it to completion. Any
// turn already in flight for the session is cancelled first.
func (l *Loop) HandleUtterance(ctx context.Context, sess *session.Session, text string, sink Sink) Outcome {
	h := sess.Begin(ctx, text)
	return l.RunTurn(sess, h, sink)
}

// RunTurn drives the round loop of a turn started with sess.Begin. It
// waits for the superseded turn to drain before the first model request
// and always finishes h before returning.
func (l *Loop) RunTurn(sess *session.Session, h *session.Handle, sink Sink) Outcome {
	defer sess.Finish(h)

	log := l.logger.With("call_id", sess.CallID, "turn_id", h.ID())
	start := time.Now()
	l.publish(events.KindTurnStart, sess, h, nil)

	if err := h.WaitPrevious(); err != nil {
		return l.cancelled(log, sess, h)
	}

	ctx := tools.WithCallID(h.Context(), sess.CallID)
	outcome, rounds, err := l.rounds(ctx, log, sess, h, sink)

	if h.Cancelled() || errors.Is(err, errCancelled) {
		return l.cancelled(log, sess, h)
	}
	if err != nil {
		log.Warn("turn failed", "error", err, "rounds", rounds)
		var sendErr error
		sess.Commit(h, func([]llm.Message) {
			sendErr = sink.SendText(ApologyText, true)
		})
		if sendErr != nil {
			log.Warn("failed to send apology", "error", sendErr)
		}
		l.publish(events.KindTurnFailed, sess, h, map[string]any{"error": err.Error()})
		return OutcomeFailed
	}

	elapsed := time.Since(start)
	log.Info("turn complete",
		"outcome", outcome,
		"rounds", rounds,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	if outcome == OutcomeAnswered {
		l.publish(events.KindTurnComplete, sess, h, map[string]any{
			"rounds":     rounds,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	return outcome
}

func (l *Loop) cancelled(log *slog.Logger, sess *session.Session, h *session.Handle) Outcome {
	log.Debug("turn cancelled")
	l.publish(events.KindTurnCancelled, sess, h, nil)
	return OutcomeCancelled
}

// rounds runs model rounds until the model answers, asks for a
// transfer, or the round bound is hit.
func (l *Loop) rounds(ctx context.Context, log *slog.Logger, sess *session.Session, h *session.Handle, sink Sink) (Outcome, int, error) {
	for round := 1; round <= l.cfg.MaxRounds; round++ {
		res, err := l.stream(ctx, log, sess, h, sink, round)
		if err != nil {
			return 0, round, err
		}

		if len(res.calls) == 0 {
			if !sess.Append(h, llm.AssistantMessage(res.text)) {
				return 0, round, errCancelled
			}
			if err := l.send(sess, h, func() error { return sink.SendText("", true) }); err != nil {
				return 0, round, err
			}
			return OutcomeAnswered, round, nil
		}

		reason, transfer, err := l.runTools(ctx, log, sess, h, res)
		if err != nil {
			return 0, round, err
		}
		if transfer {
			if err := l.transfer(log, sess, h, sink, reason); err != nil {
				return 0, round, err
			}
			return OutcomeTransferred, round, nil
		}
	}
	return 0, l.cfg.MaxRounds, fmt.Errorf("%w after %d rounds", ErrMaxRounds, l.cfg.MaxRounds)
}

type roundResult struct {
	text  string
	calls []llm.ToolCall
}

// stream runs one model round, forwarding text deltas as they arrive.
// It stops pulling as soon as the turn is cancelled.
func (l *Loop) stream(ctx context.Context, log *slog.Logger, sess *session.Session, h *session.Handle, sink Sink, round int) (roundResult, error) {
	req := llm.Request{
		Model:     l.cfg.Model,
		System:    l.cfg.SystemPrompt,
		Messages:  sess.History(),
		Tools:     l.tools.Definitions(),
		MaxTokens: l.cfg.MaxTokens,
	}

	log.Debug("model round", "round", round, "messages", len(req.Messages))
	l.publish(events.KindLLMCall, sess, h, map[string]any{"round": round, "model": l.cfg.Model})

	var (
		text     strings.Builder
		calls    []llm.ToolCall
		complete *llm.StreamEvent
	)
	for ev, err := range l.client.Stream(ctx, req) {
		if h.Cancelled() {
			return roundResult{}, errCancelled
		}
		if err != nil {
			return roundResult{}, fmt.Errorf("round %d: %w", round, err)
		}

		switch ev.Kind {
		case llm.KindTextDelta:
			text.WriteString(ev.Text)
			if err := l.send(sess, h, func() error { return sink.SendText(ev.Text, false) }); err != nil {
				return roundResult{}, err
			}
		case llm.KindToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case llm.KindTurnComplete:
			complete = &ev
		}
	}
	if h.Cancelled() {
		return roundResult{}, errCancelled
	}
	if complete == nil {
		return roundResult{}, fmt.Errorf("round %d: stream ended without completion", round)
	}

	l.recordUsage(ctx, log, sess, h, round, complete)
	l.publish(events.KindLLMResponse, sess, h, map[string]any{
		"round":      round,
		"model":      l.cfg.Model,
		"tokens_in":  complete.Usage.InputTokens,
		"tokens_out": complete.Usage.OutputTokens,
		"tool_calls": len(calls),
	})

	return roundResult{text: text.String(), calls: calls}, nil
}

// runTools records the tool requests of a round, then executes each
// call in order and records its result. A transfer request is noted but
// the remaining calls still run.
func (l *Loop) runTools(ctx context.Context, log *slog.Logger, sess *session.Session, h *session.Handle, res roundResult) (string, bool, error) {
	requests := make([]llm.Message, 0, len(res.calls))
	for i, call := range res.calls {
		text := ""
		if i == 0 {
			text = res.text
		}
		requests = append(requests, llm.ToolRequestMessage(text, call))
	}
	if !sess.Append(h, requests...) {
		return "", false, errCancelled
	}

	var (
		reason   string
		transfer bool
	)
	for _, call := range res.calls {
		if h.Cancelled() {
			return "", false, errCancelled
		}

		l.publish(events.KindToolCall, sess, h, map[string]any{"tool": call.Name})
		start := time.Now()
		result := l.tools.Execute(ctx, call.Name, call.Arguments)
		elapsed := time.Since(start)

		log.Info("tool executed",
			"tool", call.Name,
			"ok", result.Err == nil,
			"elapsed", elapsed.Round(time.Millisecond),
		)
		l.publish(events.KindToolDone, sess, h, map[string]any{
			"tool":        call.Name,
			"ok":          result.Err == nil,
			"duration_ms": elapsed.Milliseconds(),
		})

		if result.Transfer && !transfer {
			transfer = true
			reason = result.TransferReason
		}
		if !sess.Append(h, llm.ToolResultMessage(call.ID, result.Content)) {
			return "", false, errCancelled
		}
	}
	return reason, transfer, nil
}

// transfer speaks the transfer notice and ends the relay session with
// the handoff payload built from the history at this point.
func (l *Loop) transfer(log *slog.Logger, sess *session.Session, h *session.Handle, sink Sink, reason string) error {
	var err error
	ok := sess.Commit(h, func(history []llm.Message) {
		var handoff string
		handoff, err = EncodeHandoff(reason, history)
		if err != nil {
			return
		}
		if err = sink.SendText(TransferText, true); err != nil {
			return
		}
		err = sink.SendEnd(handoff)
	})
	if !ok {
		return errCancelled
	}
	if err != nil {
		return err
	}

	log.Info("call transferred", "reason", reason)
	l.publish(events.KindTransfer, sess, h, map[string]any{"reason": reason})
	return nil
}

// send delivers a frame only while h is live.
func (l *Loop) send(sess *session.Session, h *session.Handle, fn func() error) error {
	var err error
	if !sess.Commit(h, func([]llm.Message) { err = fn() }) {
		return errCancelled
	}
	if err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

func (l *Loop) recordUsage(ctx context.Context, log *slog.Logger, sess *session.Session, h *session.Handle, round int, ev *llm.StreamEvent) {
	if l.usage == nil {
		return
	}
	rec := usage.Record{
		TurnID:       h.ID(),
		CallID:       sess.CallID,
		Round:        round,
		Model:        l.cfg.Model,
		Provider:     l.client.Provider(),
		InputTokens:  ev.Usage.InputTokens,
		OutputTokens: ev.Usage.OutputTokens,
		CostUSD:      usage.ComputeCost(l.cfg.Model, ev.Usage.InputTokens, ev.Usage.OutputTokens, l.cfg.Pricing),
		StopReason:   ev.StopReason,
	}
	// Accounting survives an interruption that lands after the round.
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

func (l *Loop) publish(kind string, sess *session.Session, h *session.Handle, data map[string]any) {
	if l.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["call_id"] = sess.CallID
	data["turn_id"] = h.ID()
	l.bus.Emit(events.SourceConversation, kind, data)
}

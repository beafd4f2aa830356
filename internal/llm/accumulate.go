package llm

import (
	"slices"
	"strings"
)

// toolCallAccumulator reassembles tool calls whose ID, name and
// argument JSON arrive in fragments spread over many stream chunks.
// Fragments are keyed by the provider's call index (OpenAI tool_calls
// index, Anthropic content block index). Nothing is exposed until
// complete is called at the end of the turn.
type toolCallAccumulator struct {
	calls map[int]*partialToolCall
}

type partialToolCall struct {
	id   string
	name strings.Builder
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*partialToolCall)}
}

// add folds one fragment into the call at index. Empty fields are
// ignored; a non-empty id replaces any earlier one.
func (a *toolCallAccumulator) add(index int, id, name, args string) {
	p, ok := a.calls[index]
	if !ok {
		p = &partialToolCall{}
		a.calls[index] = p
	}
	if id != "" {
		p.id = id
	}
	p.name.WriteString(name)
	p.args.WriteString(args)
}

// has reports whether a call is open at index.
func (a *toolCallAccumulator) has(index int) bool {
	_, ok := a.calls[index]
	return ok
}

// len returns the number of calls seen so far.
func (a *toolCallAccumulator) len() int {
	return len(a.calls)
}

// complete returns the finished calls ordered by index. Calls with no
// argument fragments get "{}" so every call carries a JSON object.
func (a *toolCallAccumulator) complete() []ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := a.calls[i]
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{
			ID:        p.id,
			Name:      p.name.String(),
			Arguments: args,
		})
	}
	return out
}

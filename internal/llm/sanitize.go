package llm

// Sanitize returns a copy of messages that providers will accept. A
// turn cancelled part-way through tool execution can leave assistant
// tool requests without results; both providers reject such histories
// with a 400. Unpaired tool requests and orphaned tool results are
// dropped. Text carried on a dropped request is kept as plain
// assistant text so the caller-facing record stays intact.
func Sanitize(messages []Message) []Message {
	results := make(map[string]bool)
	requested := make(map[string]bool)
	for _, m := range messages {
		switch {
		case m.Role == RoleTool:
			results[m.ToolCallID] = true
		case m.IsToolRequest():
			for _, tc := range m.ToolCalls {
				requested[tc.ID] = true
			}
		}
	}

	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == RoleTool:
			if !requested[m.ToolCallID] {
				continue
			}
			out = append(out, m)

		case m.IsToolRequest():
			kept := make([]ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if results[tc.ID] {
					kept = append(kept, tc)
				}
			}
			switch {
			case len(kept) > 0:
				m.ToolCalls = kept
				out = append(out, m)
			case m.Content != "":
				out = append(out, AssistantMessage(m.Content))
			}

		default:
			out = append(out, m)
		}
	}
	return out
}

package llm

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELine bounds a single SSE line. Tool argument chunks are small,
// but a provider error event can carry a long message.
const maxSSELine = 1024 * 1024

// scanSSE calls fn with the payload of every "data:" line in body until
// fn returns false or the body ends. Event-name lines, comments and
// blank separators are skipped; both providers repeat the event type
// inside the JSON payload.
func scanSSE(body io.Reader, fn func(data string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if !fn(data) {
			return nil
		}
	}
	return scanner.Err()
}

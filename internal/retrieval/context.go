package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SurfacedEvent reports which memories a retrieval showed to a session.
type SurfacedEvent struct {
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	MemoryIDs []string  `json:"memory_ids"`
	Scores    []float64 `json:"scores"`
	Degraded  bool      `json:"degraded"`
	At        time.Time `json:"at"`
}

// SessionLogger receives best-effort analytics notifications.
// Errors are logged by the engine and never fail a retrieval.
type SessionLogger interface {
	LogSurfaced(ctx context.Context, ev *SurfacedEvent) error
}

// FormatContext renders a result as a prompt section for the chat layer.
// An empty result renders as the empty string.
func FormatContext(res *Result) string {
	if res == nil || len(res.Items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Memory Context]\n")
	for _, item := range res.Items {
		m := item.Memory
		title := m.Title
		if title == "" {
			title = string(m.Type)
		}
		fmt.Fprintf(&b, "- [%s] %s (relevance: %.2f, observed %s): %s\n",
			m.Type, title, item.Score, m.LastObservedAt.Format("2006-01-02"), oneLine(m.Content))
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured output to a writer.
//
// Two output modes are supported:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line (JSONL)
//
// Events below the configured minimum level are dropped, which is how the
// engine's logging.level configuration is applied.
//
// Example text output:
//
//	[info] node_completed workflow=wf-001 node=fetch round=2
//
// Example JSON output:
//
//	{"level":"info","msg":"node_completed","workflowId":"wf-001","nodeId":"fetch","round":2,"meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
	minLevel Level
}

// NewLogEmitter creates a LogEmitter writing to the given writer
// (os.Stdout when nil) at the given minimum level.
func NewLogEmitter(writer io.Writer, jsonMode bool, minLevel Level) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
		minLevel: minLevel,
	}
}

// Emit writes the event unless it is below the minimum level.
func (l *LogEmitter) Emit(event Event) {
	if event.Level < l.minLevel {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Level      string         `json:"level"`
		Msg        string         `json:"msg"`
		WorkflowID string         `json:"workflowId"`
		NodeID     string         `json:"nodeId,omitempty"`
		Round      int            `json:"round,omitempty"`
		Meta       map[string]any `json:"meta"`
	}{
		Level:      event.Level.String(),
		Msg:        event.Msg,
		WorkflowID: event.WorkflowID,
		NodeID:     event.NodeID,
		Round:      event.Round,
		Meta:       event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] %s workflow=%s", event.Level, event.Msg, event.WorkflowID)
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}
	if event.Round > 0 {
		fmt.Fprintf(l.writer, " round=%d", event.Round)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}

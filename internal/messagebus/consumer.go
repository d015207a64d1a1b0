package messagebus

import (
	"github.com/edforge/edforge/internal/logging"
	"github.com/edforge/edforge/pkg/messages"
)

// TerminalEventLogger returns a progress handler that records execution
// outcomes in the in-memory log buffer. It ignores intermediate stage
// events; only execution.terminal events carry an outcome worth keeping.
// Pass the result to SubscribeProgress to get an audit trail of finished
// executions on the debug API.
func TerminalEventLogger(logs *logging.Manager) func(*messages.ProgressEvent) {
	return func(event *messages.ProgressEvent) {
		if event.Type != "execution.terminal" {
			return
		}
		switch event.Status {
		case "failed", "cancelled":
			logs.Errorf("Progress", "Execution %s ended %s: %s", event.ExecutionID, event.Status, event.Reason)
		default:
			logs.Infof("Progress", "Execution %s completed (seq %d)", event.ExecutionID, event.Sequence)
		}
	}
}

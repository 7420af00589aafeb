// Package classify maps subprocess exit codes and runtime errors onto the
// pipeline's two failure actions: pause the stage, or mark one file failed
// and continue.
package classify

import (
	"fmt"
	"strings"
)

// Action is the pipeline-level consequence of a failure.
type Action int

const (
	// Continue marks the current video failed and keeps the stage running.
	Continue Action = iota
	// Pause marks the current video failed and pauses the stage's producer
	// until an operator resumes it.
	Pause
)

func (a Action) String() string {
	if a == Pause {
		return "pause"
	}
	return "continue"
}

// Code is an exit code or one of the symbolic failure codes the runner
// reports when there is no exit code to speak of.
type Code int

// Symbolic codes. Kept out of the valid 0-255 exit range.
const (
	CodePortError Code = -1 // the pipe to the child broke
	CodeTimeout   Code = -2 // the per-stage absolute timeout fired
	CodeException Code = -3 // a handler bug or runtime error surfaced
	CodeKilled    Code = -4 // the watchdog killed a stalled process
)

// Decision is the classifier's verdict for one failure.
type Decision struct {
	Action Action
	Reason string
}

// critical exit codes are systemic, not file-specific: letting the stage
// keep pulling work would fail every video the same way.
var critical = map[Code]string{
	137:           "Process killed by system (likely OOM)",
	143:           "Process terminated (SIGTERM)",
	28:            "No space left on device",
	2:             "Invalid command line (configuration bug)",
	5:             "I/O error",
	110:           "Network timeout",
	CodePortError: "Lost pipe to subprocess",
	CodeTimeout:   "Stage timeout exceeded",
	CodeKilled:    "Killed stuck process",
}

// recoverable exit codes are file-specific.
var recoverable = map[Code]string{
	1:  "Encode failed",
	13: "Permission denied reading input",
	22: "Invalid or unsupported format",
	69: "Unsupported codec",
}

// Classify is total: every (code, message) pair maps to exactly one
// decision. Unknown exit codes continue conservatively; a code we have not
// catalogued must never halt the whole stage.
func Classify(code Code, message string) Decision {
	if code == CodeException {
		return classifyException(message)
	}
	if reason, ok := critical[code]; ok {
		return Decision{Action: Pause, Reason: reason}
	}
	if reason, ok := recoverable[code]; ok {
		return Decision{Action: Continue, Reason: reason}
	}
	return Decision{
		Action: Continue,
		Reason: fmt.Sprintf("Unrecognized exit code %d", code),
	}
}

// classifyException string-matches a runtime error message for systemic
// resource exhaustion. Anything else is assumed file-specific.
func classifyException(message string) Decision {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "enomem"), strings.Contains(lower, "memory"):
		return Decision{Action: Pause, Reason: "Out of memory"}
	case strings.Contains(lower, "enospc"):
		return Decision{Action: Pause, Reason: "No space left on device"}
	case strings.Contains(lower, "port"), strings.Contains(lower, "process"):
		return Decision{Action: Pause, Reason: "Subprocess management failure"}
	default:
		reason := message
		if reason == "" {
			reason = "Unhandled error"
		}
		return Decision{Action: Continue, Reason: reason}
	}
}

package stage

import (
	"context"
	"strconv"
	"strings"

	"github.com/branport/shrinkd/internal/classify"
	"github.com/branport/shrinkd/internal/events"
	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/runner"
	"github.com/branport/shrinkd/internal/store"
)

// resultCode maps a runner result onto the classifier's code space.
func resultCode(res runner.Result) classify.Code {
	switch {
	case res.TimedOut:
		return classify.CodeTimeout
	case res.StartErr != nil:
		return classify.CodePortError
	case res.OutputMissing:
		// Exit 0 with no output is a per-file tool abort.
		return classify.Code(1)
	default:
		return classify.Code(res.ExitCode)
	}
}

func resultMessage(res runner.Result) string {
	if res.StartErr != nil {
		return res.StartErr.Error()
	}
	if res.OutputMissing {
		return "tool exited 0 but produced no output file"
	}
	return ""
}

// recordStageFailure applies the per-video failure path: flag the row,
// append the audit entry with the output tail for context, and tell
// subscribers. Pausing, when warranted, is the caller's move.
func recordStageFailure(ctx context.Context, st *store.Store, bus *events.Bus, stage media.Stage, v *media.Video, res runner.Result, decision classify.Decision) {
	category := store.FailureRecoverable
	if decision.Action == classify.Pause {
		category = store.FailureCritical
	}

	code := strconv.Itoa(res.ExitCode)
	switch {
	case res.TimedOut:
		code = "timeout"
	case res.StartErr != nil:
		code = "port_error"
	case res.OutputMissing:
		code = "output_missing"
	}

	_ = st.MarkFailed(ctx, v.ID)
	_ = st.RecordFailure(ctx, &store.Failure{
		VideoID:  v.ID,
		Stage:    stage,
		Category: category,
		Code:     code,
		Message:  decision.Reason,
		Context:  failureContext(res),
	})
	failedTotal.WithLabelValues(string(stage)).Inc()
	bus.Publish(events.Event{Type: events.TypeFailed, Stage: stage, VideoID: v.ID, Reason: decision.Reason})
	bus.Publish(events.Event{Type: events.TypeStatsDirty, Stage: stage})
}

// failureContext folds the output tail and argument list into one audit
// field, bounded so a chatty tool cannot bloat the log.
func failureContext(res runner.Result) string {
	const maxLines = 40
	tail := res.Tail
	if len(tail) > maxLines {
		tail = tail[len(tail)-maxLines:]
	}
	var b strings.Builder
	b.WriteString("args: ")
	b.WriteString(strings.Join(res.Args, " "))
	if len(tail) > 0 {
		b.WriteString("\noutput:\n")
		b.WriteString(strings.Join(tail, "\n"))
	}
	return b.String()
}

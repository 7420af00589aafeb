package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/branport/shrinkd/internal/util"
)

// statsPayload mirrors the daemon's stats response.
type statsPayload struct {
	TotalVideos        int64            `json:"total_videos"`
	ByState            map[string]int64 `json:"by_state"`
	FailedVideos       int64            `json:"failed_videos"`
	ChosenVMAFs        int64            `json:"chosen_vmafs"`
	EstimatedSavings   int64            `json:"estimated_savings"`
	UnresolvedFailures int64            `json:"unresolved_failures"`
	MostRecentUpdate   time.Time        `json:"most_recent_update"`
	Stages             map[string]struct {
		Paused   bool `json:"paused"`
		InFlight bool `json:"in_flight"`
	} `json:"stages"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline totals and per-stage state",
		RunE: func(_ *cobra.Command, _ []string) error {
			var st statsPayload
			if err := newAPIClient().getJSON("/api/stats", &st); err != nil {
				return err
			}
			renderStats(&st)
			return nil
		},
	}
}

func renderStats(st *statsPayload) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	bold := color.New(color.Bold)

	fmt.Println()
	_, _ = cyan.Println("LIBRARY")
	printLabel(bold, 12, "Videos:", fmt.Sprintf("%d", st.TotalVideos))
	for _, state := range []string{"needs-analysis", "analyzed", "crf-searched", "encoded"} {
		printLabel(bold, 12, "  "+state+":", fmt.Sprintf("%d", st.ByState[state]))
	}
	printLabel(bold, 12, "Failed:", fmt.Sprintf("%d", st.FailedVideos))

	fmt.Println()
	_, _ = cyan.Println("SAVINGS")
	printLabel(bold, 12, "Chosen:", fmt.Sprintf("%d searches settled", st.ChosenVMAFs))
	printLabel(bold, 12, "Estimated:", util.FormatBytes(uint64(max64(st.EstimatedSavings, 0))))

	fmt.Println()
	_, _ = cyan.Println("STAGES")
	for _, name := range []string{"analyzer", "crf_search", "encoder"} {
		s, ok := st.Stages[name]
		if !ok {
			continue
		}
		switch {
		case s.Paused:
			printLabel(bold, 12, name+":", red.Sprint("paused"))
		case s.InFlight:
			printLabel(bold, 12, name+":", green.Sprint("working"))
		default:
			printLabel(bold, 12, name+":", "idle")
		}
	}

	if st.UnresolvedFailures > 0 {
		fmt.Println()
		_, _ = yellow.Printf("%d unresolved failures — see /api/failures or the UI\n", st.UnresolvedFailures)
	}
	fmt.Println()
}

func printLabel(bold *color.Color, width int, label, value string) {
	padded := fmt.Sprintf("%-*s", width, label)
	fmt.Printf("  %s %s\n", bold.Sprint(padded), value)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

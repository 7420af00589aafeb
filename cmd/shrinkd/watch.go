package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// watchEvent mirrors the daemon's SSE payload.
type watchEvent struct {
	Type     string `json:"type"`
	Stage    string `json:"stage"`
	VideoID  int64  `json:"video_id"`
	Reason   string `json:"reason"`
	Progress *struct {
		Percent float64 `json:"percent"`
		FPS     float64 `json:"fps"`
		CRF     float64 `json:"crf"`
		Score   float64 `json:"score"`
	} `json:"progress"`
}

func newWatchCmd() *cobra.Command {
	var stageFilter string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live pipeline events with progress bars",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWatch(stageFilter)
		},
	}
	cmd.Flags().StringVar(&stageFilter, "stage", "", "only follow one stage")
	return cmd
}

func runWatch(stageFilter string) error {
	url := apiAddr + "/api/events"
	if stageFilter != "" {
		if err := validStage(stageFilter); err != nil {
			return err
		}
		url += "?stage=" + stageFilter
	}

	client := &http.Client{} // no timeout; the stream is long-lived
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Println("watching pipeline events (ctrl-c to stop)")

	var bar *progressbar.ProgressBar
	var barVideo int64

	finishBar := func() {
		if bar != nil {
			_ = bar.Finish()
			bar = nil
			barVideo = 0
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev watchEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "started":
			finishBar()
			fmt.Printf("%s video %d started\n", timestamp(), ev.VideoID)
		case "progress":
			if ev.Progress == nil {
				continue
			}
			if bar == nil || barVideo != ev.VideoID {
				finishBar()
				bar = progressbar.NewOptions(100,
					progressbar.OptionSetDescription(fmt.Sprintf("%s #%d", ev.Stage, ev.VideoID)),
					progressbar.OptionSetPredictTime(true),
					progressbar.OptionShowCount(),
				)
				barVideo = ev.VideoID
			}
			_ = bar.Set(int(ev.Progress.Percent))
		case "completed":
			finishBar()
			_, _ = green.Printf("%s video %d completed (%s)\n", timestamp(), ev.VideoID, ev.Stage)
		case "failed":
			finishBar()
			_, _ = red.Printf("%s video %d failed: %s\n", timestamp(), ev.VideoID, ev.Reason)
		case "paused":
			_, _ = red.Printf("%s stage %s paused: %s\n", timestamp(), ev.Stage, ev.Reason)
		case "resumed":
			_, _ = green.Printf("%s stage %s resumed\n", timestamp(), ev.Stage)
		case "health_alert":
			_, _ = yellow.Printf("%s stage %s health alert: %s\n", timestamp(), ev.Stage, ev.Reason)
		}
	}
	return scanner.Err()
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

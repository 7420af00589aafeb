package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// apiClient is the thin operator client for a running daemon.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: apiAddr,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) post(path string) error {
	resp, err := c.http.Post(c.base+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *apiClient) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func validStage(s string) error {
	switch s {
	case "analyzer", "crf_search", "encoder":
		return nil
	}
	return fmt.Errorf("unknown stage %q (analyzer, crf_search, encoder)", s)
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <stage>",
		Short: "Pause one stage's producer",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := validStage(args[0]); err != nil {
				return err
			}
			if err := newAPIClient().post("/api/stages/" + args[0] + "/pause"); err != nil {
				return err
			}
			fmt.Printf("%s paused\n", args[0])
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <stage>",
		Short: "Resume a paused stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := validStage(args[0]); err != nil {
				return err
			}
			if err := newAPIClient().post("/api/stages/" + args[0] + "/resume"); err != nil {
				return err
			}
			fmt.Printf("%s resumed\n", args[0])
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Re-queue every failed video from the top of the pipeline",
		RunE: func(_ *cobra.Command, _ []string) error {
			var out struct {
				Reset int64 `json:"reset"`
			}
			c := newAPIClient()
			resp, err := c.http.Post(c.base+"/api/reset", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %d", resp.StatusCode)
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Printf("reset %d failed videos\n", out.Reset)
			return nil
		},
	}
}

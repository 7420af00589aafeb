// Package notify tells the external library sources (movie/series managers)
// that a file changed on disk. The protocol is a command POST followed by
// status polling with exponential backoff; failures never affect the
// pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/xerrors"
)

const (
	commandPath = "/api/v3/command"

	// pollInitial through pollMax shape the status backoff: 1s, 2s, 4s…
	// capped.
	pollInitial = time.Second
	pollMax     = 30 * time.Second

	// rescanTimeout bounds one whole rescan exchange.
	rescanTimeout = 5 * time.Minute
)

// Client speaks the command API of one library source.
type Client struct {
	kind    media.ServiceType
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for one source.
func NewClient(kind media.ServiceType, baseURL, apiKey string) *Client {
	return &Client{
		kind:    kind,
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// commandName picks the source-appropriate rescan command.
func (c *Client) commandName() string {
	if c.kind == media.ServiceSeries {
		return "RescanSeries"
	}
	return "RefreshMovie"
}

type commandRequest struct {
	Name     string `json:"name"`
	SeriesID int64  `json:"seriesId,omitempty"`
	MovieID  int64  `json:"movieId,omitempty"`
}

type commandResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// Rescan issues the rescan command and polls it to completion. Transient
// errors (network, 5xx) are retried with exponential backoff; 4xx responses
// are permanent.
func (c *Client) Rescan(ctx context.Context, v *media.Video) error {
	ctx, cancel := context.WithTimeout(ctx, rescanTimeout)
	defer cancel()

	serviceID, err := strconv.ParseInt(v.ServiceID, 10, 64)
	if err != nil {
		return xerrors.New(xerrors.KindNotify, fmt.Sprintf("video %d has no numeric service id", v.ID))
	}

	req := commandRequest{Name: c.commandName()}
	if c.kind == media.ServiceSeries {
		req.SeriesID = serviceID
	} else {
		req.MovieID = serviceID
	}

	var cmd commandResponse
	post := func() error {
		return c.do(ctx, http.MethodPost, commandPath, req, &cmd)
	}
	if err := backoff.Retry(post, c.newBackoff(ctx)); err != nil {
		return xerrors.Wrap(xerrors.KindNotify, "submit rescan command", err)
	}

	poll := func() error {
		var status commandResponse
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%d", commandPath, cmd.ID), nil, &status); err != nil {
			return err
		}
		switch status.Status {
		case "completed":
			return nil
		case "failed", "aborted":
			return backoff.Permanent(fmt.Errorf("command %d ended %s", cmd.ID, status.Status))
		default:
			return fmt.Errorf("command %d still %s", cmd.ID, status.Status)
		}
	}
	if err := backoff.Retry(poll, c.newBackoff(ctx)); err != nil {
		return xerrors.Wrap(xerrors.KindNotify, "poll rescan command", err)
	}
	return nil
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollInitial
	b.Multiplier = 2
	b.MaxInterval = pollMax
	b.RandomizationFactor = 0.1
	return backoff.WithContext(b, ctx)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err // network errors retry
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Dispatcher routes rescans to the right source client, asynchronously.
// It satisfies the post-processor's Notifier.
type Dispatcher struct {
	movies *Client
	series *Client
}

// NewDispatcher builds a dispatcher. Either client may be nil when that
// source is not configured.
func NewDispatcher(movies, series *Client) *Dispatcher {
	return &Dispatcher{movies: movies, series: series}
}

// Rescan fires and forgets: the commit already happened, so a notify
// failure is logged and nothing more.
func (d *Dispatcher) Rescan(v *media.Video) {
	var client *Client
	switch v.ServiceType {
	case media.ServiceMovies:
		client = d.movies
	case media.ServiceSeries:
		client = d.series
	}
	if client == nil || v.ServiceID == "" {
		return
	}

	go func() {
		logger := log.WithComponent("notify")
		if err := client.Rescan(context.Background(), v); err != nil {
			logger.Warn().
				Err(err).
				Int64("video", v.ID).
				Str("service", string(v.ServiceType)).
				Msg("library rescan failed")
			return
		}
		logger.Info().
			Int64("video", v.ID).
			Str("service", string(v.ServiceType)).
			Msg("library rescan complete")
	}()
}

// Package scorer reads candidate events and final scores from the content
// scorer feed.
package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/dispatch"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/ranker"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/results"
)

type Client struct {
	BaseURL string
	APIKey  string

	HTTPClient *http.Client
}

type feed struct {
	Candidates []ranker.Candidate `json:"candidates"`
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchCandidateEvents returns the candidates kicking off inside window.
// Entries without an event id or kickoff time are dropped.
func (c *Client) FetchCandidateEvents(ctx context.Context, window dispatch.Window) ([]ranker.Candidate, error) {
	const op = "scorer.FetchCandidateEvents"
	if c.BaseURL == "" {
		return nil, apperror.Configuration(op, errors.New("SCORER_URL is not configured"))
	}

	q := url.Values{}
	q.Set("from", window.From.UTC().Format(time.RFC3339))
	q.Set("to", window.To.UTC().Format(time.RFC3339))
	endpoint := c.BaseURL + "/candidates?" + q.Encode()

	resp, err := c.get(ctx, op, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out feed
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, apperror.Transient(op, fmt.Errorf("decode feed: %w", err))
	}

	candidates := make([]ranker.Candidate, 0, len(out.Candidates))
	for _, cand := range out.Candidates {
		if strings.TrimSpace(cand.EventID) == "" || cand.KickoffTime.IsZero() {
			log.Warnf("[Scorer] dropping malformed candidate event_id=%q", cand.EventID)
			continue
		}
		cand.KickoffTime = cand.KickoffTime.UTC()
		cand.GeneratedAt = cand.GeneratedAt.UTC()
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// FetchResult returns the score of one event. It returns nil when the feed
// has no result for the event yet.
func (c *Client) FetchResult(ctx context.Context, eventID string) (*results.Score, error) {
	const op = "scorer.FetchResult"
	if c.BaseURL == "" {
		return nil, apperror.Configuration(op, errors.New("SCORER_URL is not configured"))
	}

	resp, err := c.get(ctx, op, c.BaseURL+"/results/"+url.PathEscape(eventID))
	if err != nil {
		if errors.Is(err, errNoResult) {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	var score results.Score
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&score); err != nil {
		return nil, apperror.Transient(op, fmt.Errorf("decode result: %w", err))
	}
	return &score, nil
}

var errNoResult = errors.New("no result")

// get issues an authenticated GET. Non-200 answers are mapped to errors: 404
// to errNoResult, 429 and 5xx to transient errors.
func (c *Client) get(ctx context.Context, op, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apperror.Transient(op, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w: %v", op, errNoResult, cause)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperror.Transient(op, cause)
	}
	return nil, fmt.Errorf("%s: %w", op, cause)
}

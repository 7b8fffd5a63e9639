// Package scraper handles fetching and parsing PollEverywhere presenter pages.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/html"
)

// Phrases the page renders in each of its idle states. The heuristics are
// intentionally simple text matches.
const (
	waitingPhrase      = "Waiting for"
	presentationPhrase = "presentation to begin"
	answeredPhrase     = "Response recorded"

	maxQuestionLength = 200
)

// Snapshot is a point-in-time reading of a presenter page.
type Snapshot struct {
	Question    string // First plausible prompt text, empty if none
	Waiting     bool   // Waiting-room screen is showing
	Answered    bool   // A response was already recorded for the current poll
	Interactive bool   // At least one enabled, visible response control exists
	URL         string // Page the snapshot was taken from
}

// HTTP403Error indicates a 403 Forbidden response (presenter page restricted).
type HTTP403Error struct {
	URL string
}

func (e *HTTP403Error) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsHTTP403Error checks if an error is an HTTP 403 error.
func IsHTTP403Error(err error) bool {
	var forbidden *HTTP403Error
	return errors.As(err, &forbidden)
}

// Scraper fetches and parses presenter pages.
type Scraper struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a new scraper.
func New(client *http.Client, logger *slog.Logger) *Scraper {
	return &Scraper{
		client: client,
		logger: logger,
	}
}

// Fetch retrieves a presenter page and parses it into a snapshot.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (*Snapshot, error) {
	var snap *Snapshot

	err := retry.Do(
		func() error {
			s.logger.Debug("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "sample_poll_page")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}

			// Set essential Chrome-like headers to avoid getting blocked
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")
			req.Header.Set("Sec-Fetch-Dest", "document")
			req.Header.Set("Sec-Fetch-Mode", "navigate")
			req.Header.Set("Upgrade-Insecure-Requests", "1")
			req.Header.Set("Cache-Control", "max-age=0")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusForbidden {
				s.logger.Warn("HTTP 403 Forbidden - presenter page restricted", "url", pageURL)
				return &HTTP403Error{URL: pageURL}
			}

			if resp.StatusCode != http.StatusOK {
				s.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			snap, err = Parse(resp.Body, pageURL)
			if err != nil {
				s.logger.Error("Failed to parse HTML", "error", err)
				return retry.Unrecoverable(err)
			}

			s.logger.Debug("Page sampled",
				"url", pageURL,
				"question", snap.Question,
				"waiting", snap.Waiting,
				"answered", snap.Answered,
				"interactive", snap.Interactive)

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying page fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// Don't retry on 403 Forbidden errors (restricted page)
			return !IsHTTP403Error(err)
		}),
	)

	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return snap, nil
}

// Parse reads a presenter page into a snapshot.
func Parse(body io.Reader, pageURL string) (*Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	bodyText := doc.Find("body").Text()

	snap := &Snapshot{
		URL:      pageURL,
		Waiting:  strings.Contains(bodyText, waitingPhrase) && strings.Contains(bodyText, presentationPhrase),
		Answered: strings.Contains(bodyText, answeredPhrase),
	}

	// First heading that isn't a waiting-room message and is a plausible
	// prompt length.
	doc.Find("h1, h2, h3").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if text == "" || len(text) >= maxQuestionLength {
			return true
		}
		if strings.Contains(text, waitingPhrase) || strings.Contains(text, presentationPhrase) {
			return true
		}
		snap.Question = text
		return false
	})

	// At least one response control that is neither disabled nor hidden.
	doc.Find(`button, [role="button"], input[type="radio"], input[type="checkbox"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(sel.Nodes) > 0 && clickable(sel.Nodes[0]) {
			snap.Interactive = true
			return false
		}
		return true
	})

	return snap, nil
}

// clickable approximates the rendered-visibility test a live page would do:
// static markup can't expose layout, so disabled and hidden attributes stand
// in for it.
func clickable(n *html.Node) bool {
	for _, a := range n.Attr {
		switch a.Key {
		case "disabled", "hidden":
			return false
		case "aria-hidden":
			if a.Val == "true" {
				return false
			}
		case "style":
			style := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
			if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
				return false
			}
		}
	}
	return true
}

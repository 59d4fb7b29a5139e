// Package sheet looks up the designated owner of a work item in a
// spreadsheet (Google Sheets values API shape). The first row is a header;
// the first column holds item names and the second the assignee name.
package sheet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL = "https://sheets.googleapis.com/v4"
	defaultTimeout = 15 * time.Second
	defaultRange   = "A:Z"
)

// noMatchValues are assignee cells that explicitly mean "nobody".
var noMatchValues = []string{"no match", "n/a", "none", "-"}

// Row is one matched line of the lookup sheet.
type Row struct {
	ItemName string
	Assignee string
	// Extra holds the remaining columns keyed by header name.
	Extra map[string]string
}

// IsNoMatch reports whether an assignee cell is empty or a "no match" sentinel.
func IsNoMatch(assignee string) bool {
	v := strings.ToLower(strings.TrimSpace(assignee))
	if v == "" {
		return true
	}
	for _, s := range noMatchValues {
		if v == s {
			return true
		}
	}
	return false
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sheet api error (HTTP %d): %s", e.StatusCode, e.Body)
}

// Client reads one spreadsheet range.
type Client struct {
	http    *resty.Client
	sheetID string
	rng     string
}

// New creates a Client for a spreadsheet, authenticated with an API key.
func New(apiKey, sheetID, rng string) *Client {
	return NewWithBaseURL(apiKey, sheetID, rng, defaultBaseURL)
}

// NewWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewWithBaseURL(apiKey, sheetID, rng, baseURL string) *Client {
	if rng == "" {
		rng = defaultRange
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetQueryParam("key", apiKey).
			SetTimeout(defaultTimeout),
		sheetID: sheetID,
		rng:     rng,
	}
}

// Lookup returns the row whose item name matches itemName case-insensitively.
// A nil row with a nil error means the sheet has no usable assignee for it.
func (c *Client) Lookup(ctx context.Context, itemName string) (*Row, error) {
	var out struct {
		Values [][]string `json:"values"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sheet", c.sheetID).
		SetPathParam("range", c.rng).
		SetResult(&out).
		Get("/spreadsheets/{sheet}/values/{range}")
	if err != nil {
		return nil, fmt.Errorf("reading sheet %s: %w", c.sheetID, err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return findRow(out.Values, itemName), nil
}

func findRow(values [][]string, itemName string) *Row {
	if len(values) < 2 {
		return nil
	}
	header := values[0]
	want := strings.TrimSpace(itemName)
	for _, cells := range values[1:] {
		if len(cells) == 0 || !strings.EqualFold(strings.TrimSpace(cells[0]), want) {
			continue
		}
		var assignee string
		if len(cells) > 1 {
			assignee = strings.TrimSpace(cells[1])
		}
		if IsNoMatch(assignee) {
			return nil
		}
		row := &Row{ItemName: strings.TrimSpace(cells[0]), Assignee: assignee}
		for i := 2; i < len(cells) && i < len(header); i++ {
			if row.Extra == nil {
				row.Extra = make(map[string]string)
			}
			row.Extra[header[i]] = cells[i]
		}
		return row
	}
	return nil
}

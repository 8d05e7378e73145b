// Package upstream talks to the photos backend: account lookup and the
// change-feed endpoints the stream engine pages through.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version = ""

// HTTP401 is returned when the backend rejects the credential. Callers use it
// to distinguish "session credential expired" from backend failures.
var HTTP401 error = fmt.Errorf("HTTP 401")

// Account is the backend's view of the authenticated user.
type Account struct {
	ID        string
	Email     string
	Name      string
	UpdatedAt time.Time
	Raw       []byte
}

// Client looks up accounts and fetches change pages from the backend.
// One client is shared among all sessions; the credential travels per call.
type Client interface {
	// WhoAmI resolves a credential to its account. Returns HTTP401 if the
	// backend no longer accepts the credential.
	WhoAmI(ctx context.Context, credential string) (*Account, error)
	// Events fetches one page of lightweight change events.
	Events(ctx context.Context, credential string, q EventsQuery) (*EventsPage, error)
	// Entities batch-fetches full entity payloads by ID, returned keyed by ID.
	// IDs the backend no longer knows are absent from the map.
	Entities(ctx context.Context, credential, resource string, ids []string) (map[string][]byte, error)
}

// EventsQuery selects one page of the backend change feed.
type EventsQuery struct {
	Resource      string // backend entity kind, e.g. "asset"
	Scope         string // "", "history" or "created"
	UpdatedAfter  time.Time
	CreatedBefore time.Time
	AfterCursor   string
	Limit         int
}

// Event is one lightweight change-feed entry. Upsert events carry only the
// entity ID; the payload comes from a follow-up batch fetch.
type Event struct {
	EntityID  string
	EventType string // "upserted" or "deleted"
	Cursor    string
	CreatedAt time.Time
}

type EventsPage struct {
	Events  []Event
	HasMore bool
}

// HTTPClient implements Client against the backend REST API.
type HTTPClient struct {
	Client  *http.Client
	BaseURL string
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		BaseURL: baseURL,
	}
}

func (c *HTTPClient) do(ctx context.Context, credential, path string, params url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "immich-adapter-"+Version)
	req.Header.Set("Authorization", "Bearer "+credential)
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", path, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		return io.ReadAll(res.Body)
	case 401:
		return nil, HTTP401
	default:
		return nil, fmt.Errorf("%s returned HTTP %d", path, res.StatusCode)
	}
}

func (c *HTTPClient) WhoAmI(ctx context.Context, credential string) (*Account, error) {
	body, err := c.do(ctx, credential, "/api/users/me", nil)
	if err != nil {
		return nil, err
	}
	response := gjson.ParseBytes(body)
	account := &Account{
		ID:    response.Get("id").Str,
		Email: response.Get("email").Str,
		Name:  response.Get("name").Str,
		Raw:   body,
	}
	if account.ID == "" {
		return nil, fmt.Errorf("/api/users/me: response missing id")
	}
	if ts := response.Get("updated_at").Str; ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			account.UpdatedAt = parsed
		}
	}
	return account, nil
}

func (c *HTTPClient) Events(ctx context.Context, credential string, q EventsQuery) (*EventsPage, error) {
	params := url.Values{}
	params.Set("entity_types", q.Resource)
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("created_at_lt", q.CreatedBefore.UTC().Format(time.RFC3339Nano))
	if q.Scope != "" {
		params.Set("scope", q.Scope)
	}
	if !q.UpdatedAfter.IsZero() {
		params.Set("updated_at_gt", q.UpdatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if q.AfterCursor != "" {
		params.Set("after_cursor", q.AfterCursor)
	}
	body, err := c.do(ctx, credential, "/api/v2/events", params)
	if err != nil {
		return nil, err
	}
	response := gjson.ParseBytes(body)
	page := &EventsPage{
		HasMore: response.Get("has_more").Bool(),
	}
	var parseErr error
	response.Get("data").ForEach(func(_, ev gjson.Result) bool {
		created, err := time.Parse(time.RFC3339Nano, ev.Get("created_at").Str)
		if err != nil {
			parseErr = fmt.Errorf("/api/v2/events: bad created_at %q", ev.Get("created_at").Str)
			return false
		}
		page.Events = append(page.Events, Event{
			EntityID:  ev.Get("entity_id").Str,
			EventType: ev.Get("event_type").Str,
			Cursor:    ev.Get("cursor").Str,
			CreatedAt: created,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return page, nil
}

func (c *HTTPClient) Entities(ctx context.Context, credential, resource string, ids []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(ids))
	// The backend caps ids-per-request; chunk to stay under it.
	const chunkSize = 100
	for len(ids) > 0 {
		chunk := ids
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		ids = ids[len(chunk):]

		params := url.Values{}
		for _, id := range chunk {
			params.Add("ids", id)
		}
		params.Set("limit", strconv.Itoa(len(chunk)))
		body, err := c.do(ctx, credential, "/api/"+resource+"s", params)
		if err != nil {
			return nil, err
		}
		response := gjson.ParseBytes(body)
		items := response.Get("items")
		if !items.Exists() {
			items = response // some endpoints return a bare array
		}
		found := 0
		items.ForEach(func(_, item gjson.Result) bool {
			id := item.Get("id").Str
			if id != "" {
				result[id] = []byte(item.Raw)
				found++
			}
			return true
		})
		if found < len(chunk) {
			// Deleted between the event page and this fetch; the caller skips
			// the missing IDs.
			logger.Debug().Str("resource", resource).Int("missing", len(chunk)-found).
				Msg("some requested entities not returned")
		}
	}
	return result, nil
}

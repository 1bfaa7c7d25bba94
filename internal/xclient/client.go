package xclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"driftwire/internal/logging"
	"driftwire/internal/metrics"
	"driftwire/internal/model"
	"driftwire/internal/ratelimit"
)

// ErrRateLimited is returned once retries are exhausted on 429 responses.
var ErrRateLimited = ratelimit.ErrRateLimited

// Source is the capability set the sync engine needs from the remote side.
type Source interface {
	ListItems(ctx context.Context, identity, cursor string) (FeedPage, error)
	ListNotifications(ctx context.Context, cursor string) (NotificationPage, error)
	GetCounts(ctx context.Context, key string) (model.Counts, error)
	ListEngagers(ctx context.Context, key string, limit int) ([]model.Engager, error)
	GetProfileTotals(ctx context.Context, identity string) (model.Profile, error)
}

// FeedPage is one page of an author feed, newest first. Cursor is empty when exhausted.
type FeedPage struct {
	Items   []model.Post
	Cursor  string
	Skipped int
}

// NotificationPage is one page of notifications, newest first.
type NotificationPage struct {
	Events  []model.Event
	Cursor  string
	Skipped int
}

// APIError is a non-2xx XRPC response.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("xrpc status %d", e.Status)
	}
	return fmt.Sprintf("xrpc status %d: %s: %s", e.Status, e.Code, e.Message)
}

// HTTPClient speaks XRPC over plain HTTP with an optional bearer token.
type HTTPClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	pageSize    int
	maxAttempts int
	baseBackoff time.Duration
}

func NewHTTPClient(baseURL, accessToken string) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://public.api.bsky.app/xrpc"
	}
	return &HTTPClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		pageSize:    100,
		maxAttempts: getEnvInt("DRIFTWIRE_API_MAX_ATTEMPTS", 5),
		baseBackoff: time.Duration(getEnvInt("DRIFTWIRE_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

// WithRetry overrides attempt count and base backoff; zero values keep the current setting.
func (c *HTTPClient) WithRetry(maxAttempts int, baseBackoff time.Duration) *HTTPClient {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if baseBackoff > 0 {
		c.baseBackoff = baseBackoff
	}
	return c
}

// WithPageSize sets the page size used for feed and notification listing.
func (c *HTTPClient) WithPageSize(n int) *HTTPClient {
	if n > 0 {
		c.pageSize = clamp(n, 1, 100)
	}
	return c
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	req.Header.Set("Accept", "application/json")
}

// getJSON calls method with params and decodes the body into out.
func (c *HTTPClient) getJSON(ctx context.Context, method string, params url.Values, out any) error {
	u := c.baseURL + "/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, method, err)
	}
	return nil
}

// ListItems returns one page of identity's own feed. Reposts are counted as
// skipped since they are not authored content.
func (c *HTTPClient) ListItems(ctx context.Context, identity, cursor string) (FeedPage, error) {
	var out FeedPage
	params := url.Values{}
	params.Set("actor", identity)
	params.Set("limit", strconv.Itoa(c.pageSize))
	params.Set("filter", "posts_and_author_threads")
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var raw struct {
		Cursor string `json:"cursor"`
		Feed   []struct {
			Post   RawPost          `json:"post"`
			Reason *json.RawMessage `json:"reason,omitempty"`
		} `json:"feed"`
	}
	if err := c.getJSON(ctx, "app.bsky.feed.getAuthorFeed", params, &raw); err != nil {
		return out, err
	}
	out.Cursor = raw.Cursor
	for _, f := range raw.Feed {
		if f.Reason != nil {
			out.Skipped++
			continue
		}
		p, err := NormalizePost(f.Post)
		if err != nil {
			logging.Warn("feed_item_rejected", map[string]any{"error": err.Error()})
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, p)
	}
	return out, nil
}

// ListNotifications returns one page of notifications for the authenticated account.
func (c *HTTPClient) ListNotifications(ctx context.Context, cursor string) (NotificationPage, error) {
	var out NotificationPage
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var raw struct {
		Cursor        string            `json:"cursor"`
		Notifications []RawNotification `json:"notifications"`
	}
	if err := c.getJSON(ctx, "app.bsky.notification.listNotifications", params, &raw); err != nil {
		return out, err
	}
	out.Cursor = raw.Cursor
	for _, n := range raw.Notifications {
		e, err := NormalizeNotification(n)
		if err != nil {
			logging.Warn("notification_rejected", map[string]any{"error": err.Error()})
			out.Skipped++
			continue
		}
		out.Events = append(out.Events, e)
	}
	return out, nil
}

// GetCounts fetches the current counters of one post.
func (c *HTTPClient) GetCounts(ctx context.Context, key string) (model.Counts, error) {
	var out model.Counts
	params := url.Values{}
	params.Set("uris", key)
	var raw struct {
		Posts []RawPost `json:"posts"`
	}
	if err := c.getJSON(ctx, "app.bsky.feed.getPosts", params, &raw); err != nil {
		return out, err
	}
	if len(raw.Posts) == 0 {
		return out, &APIError{Status: http.StatusNotFound, Code: "NotFound", Message: key}
	}
	p := raw.Posts[0]
	return model.Counts{
		Likes:   deref(p.LikeCount),
		Reposts: deref(p.RepostCount),
		Replies: deref(p.ReplyCount),
		Quotes:  deref(p.QuoteCount),
	}, nil
}

// ListEngagers merges likers, reposters and direct repliers of key, up to limit in total.
func (c *HTTPClient) ListEngagers(ctx context.Context, key string, limit int) ([]model.Engager, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]model.Engager, 0, limit)

	likes, err := c.pagedActors(ctx, "app.bsky.feed.getLikes", "likes", key, limit)
	if err != nil {
		return nil, err
	}
	for _, a := range likes {
		out = append(out, model.Engager{ID: a.DID, Handle: a.Handle, Kind: model.CategoryLike})
	}
	if len(out) < limit {
		reposts, err := c.pagedActors(ctx, "app.bsky.feed.getRepostedBy", "repostedBy", key, limit-len(out))
		if err != nil {
			return nil, err
		}
		for _, a := range reposts {
			out = append(out, model.Engager{ID: a.DID, Handle: a.Handle, Kind: model.CategoryRepost})
		}
	}
	if len(out) < limit {
		replies, err := c.directRepliers(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, a := range replies {
			if len(out) >= limit {
				break
			}
			out = append(out, model.Engager{ID: a.DID, Handle: a.Handle, Kind: model.CategoryReply})
		}
	}
	return out, nil
}

// pagedActors walks a cursor-paginated actor list. getLikes nests the actor
// under "actor"; getRepostedBy lists actors directly.
func (c *HTTPClient) pagedActors(ctx context.Context, method, field, key string, limit int) ([]rawAuthor, error) {
	var out []rawAuthor
	cursor := ""
	for len(out) < limit {
		params := url.Values{}
		params.Set("uri", key)
		params.Set("limit", strconv.Itoa(clamp(limit-len(out), 1, 100)))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var raw map[string]json.RawMessage
		if err := c.getJSON(ctx, method, params, &raw); err != nil {
			return nil, err
		}
		list, ok := raw[field]
		if !ok {
			return nil, fmt.Errorf("%w: %s without %s", ErrMalformedPayload, method, field)
		}
		var entries []struct {
			rawAuthor
			Actor *rawAuthor `json:"actor"`
		}
		if err := json.Unmarshal(list, &entries); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, method, err)
		}
		for _, e := range entries {
			a := e.rawAuthor
			if e.Actor != nil {
				a = *e.Actor
			}
			if a.DID == "" {
				continue
			}
			out = append(out, a)
			if len(out) >= limit {
				break
			}
		}
		cursor = ""
		if next, ok := raw["cursor"]; ok {
			_ = json.Unmarshal(next, &cursor)
		}
		if cursor == "" || len(entries) == 0 {
			break
		}
	}
	return out, nil
}

func (c *HTTPClient) directRepliers(ctx context.Context, key string) ([]rawAuthor, error) {
	params := url.Values{}
	params.Set("uri", key)
	params.Set("depth", "1")
	params.Set("parentHeight", "0")
	var raw struct {
		Thread struct {
			Replies []struct {
				Post struct {
					Author *rawAuthor `json:"author"`
				} `json:"post"`
			} `json:"replies"`
		} `json:"thread"`
	}
	if err := c.getJSON(ctx, "app.bsky.feed.getPostThread", params, &raw); err != nil {
		return nil, err
	}
	var out []rawAuthor
	for _, r := range raw.Thread.Replies {
		if r.Post.Author != nil && r.Post.Author.DID != "" {
			out = append(out, *r.Post.Author)
		}
	}
	return out, nil
}

// GetProfileTotals resolves identity (handle or DID) to its account totals.
func (c *HTTPClient) GetProfileTotals(ctx context.Context, identity string) (model.Profile, error) {
	var out model.Profile
	if identity == "" {
		return out, errors.New("empty identity")
	}
	params := url.Values{}
	params.Set("actor", identity)
	var raw struct {
		DID            string `json:"did"`
		Handle         string `json:"handle"`
		FollowersCount int    `json:"followersCount"`
		FollowsCount   int    `json:"followsCount"`
		PostsCount     int    `json:"postsCount"`
	}
	if err := c.getJSON(ctx, "app.bsky.actor.getProfile", params, &raw); err != nil {
		return out, err
	}
	if raw.DID == "" {
		return out, fmt.Errorf("%w: profile %s without did", ErrMalformedPayload, identity)
	}
	return model.Profile{
		ID:        raw.DID,
		Handle:    raw.Handle,
		Followers: raw.FollowersCount,
		Following: raw.FollowsCount,
		Posts:     raw.PostsCount,
	}, nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.IncAPIRetry(req.URL.Path)
		}
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
				ra := resp.Header.Get("Retry-After")
				_ = resp.Body.Close()
				if resp.StatusCode == http.StatusTooManyRequests {
					lastErr = fmt.Errorf("%w: %s", ErrRateLimited, req.URL.Path)
				} else {
					lastErr = &APIError{Status: resp.StatusCode}
				}
				if attempt == c.maxAttempts {
					break
				}
				wait := backoff
				if ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						wait = time.Duration(secs) * time.Second
					} else if t, err := http.ParseTime(ra); err == nil {
						if d := time.Until(t); d > 0 {
							wait = d
						}
					}
				}
				// jitter +/-20%
				jitter := time.Duration(float64(wait) * 0.2)
				if jitter > 0 {
					wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return resp, nil
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}

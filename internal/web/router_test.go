package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"driftwire/internal/cache"
	"driftwire/internal/model"
	"driftwire/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := store.Open(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c := cache.New(db).WithClock(func() time.Time { return t0 })
	events := []model.Event{
		{Key: "l1", Category: model.CategoryLike, AuthorID: "a", AuthorHandle: "alice", Subject: "p1", CreatedAt: t0.Add(-3 * time.Minute)},
		{Key: "l2", Category: model.CategoryLike, AuthorID: "b", AuthorHandle: "bob", Subject: "p1", CreatedAt: t0.Add(-1 * time.Minute)},
		{Key: "m1", Category: model.CategoryMention, AuthorID: "c", AuthorHandle: "carol", CreatedAt: t0.Add(-30 * time.Minute)},
	}
	if err := c.CacheEvents(context.Background(), events, 0); err != nil {
		t.Fatal(err)
	}
	return NewRouter(&Server{DB: db, Cache: c, Window: 5 * time.Minute, StaleMinutes: 5})
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestEventsPaging(t *testing.T) {
	r := setupRouter(t)
	w := do(r, http.MethodGet, "/api/events?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Events     []eventView `json:"events"`
		HasMore    bool        `json:"hasMore"`
		Total      int         `json:"total"`
		KnownPages []int       `json:"knownPages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Events) != 2 || !body.HasMore || body.Total != 3 || body.Events[0].Key != "l2" {
		t.Fatalf("body: %+v", body)
	}
	if len(body.KnownPages) != 1 || body.KnownPages[0] != 0 {
		t.Fatalf("pages: %v", body.KnownPages)
	}
}

func TestCategoryValidation(t *testing.T) {
	r := setupRouter(t)
	if w := do(r, http.MethodGet, "/api/events/category/poke", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w := do(r, http.MethodGet, "/api/events/category/mention", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"m1"`) {
		t.Fatalf("mention: %d %s", w.Code, w.Body.String())
	}
}

func TestMarkReadThenUnread(t *testing.T) {
	r := setupRouter(t)
	w := do(r, http.MethodPost, "/api/events/read", `{"keys":["l1","m1"]}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"changed":2`) {
		t.Fatalf("mark: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodPost, "/api/events/read", `{"keys":["l1"]}`)
	if !strings.Contains(w.Body.String(), `"changed":0`) {
		t.Fatalf("second mark should change nothing: %s", w.Body.String())
	}
	w = do(r, http.MethodGet, "/api/events/unread", "")
	if !strings.Contains(w.Body.String(), `"l2"`) || strings.Contains(w.Body.String(), `"l1"`) {
		t.Fatalf("unread: %s", w.Body.String())
	}
	if w := do(r, http.MethodPost, "/api/events/read", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing keys: %d", w.Code)
	}
}

func TestGroupedSummaries(t *testing.T) {
	r := setupRouter(t)
	w := do(r, http.MethodGet, "/api/events/grouped", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bob and alice liked your post") {
		t.Fatalf("grouped: %s", w.Body.String())
	}
}

func TestStaleAndSyncUnconfigured(t *testing.T) {
	r := setupRouter(t)
	w := do(r, http.MethodGet, "/api/stale", "")
	if !strings.Contains(w.Body.String(), `"stale":false`) {
		t.Fatalf("fresh cache reported stale: %s", w.Body.String())
	}
	if w := do(r, http.MethodPost, "/api/sync", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("sync without engine: %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/stats", ""); !strings.Contains(w.Body.String(), `"totalEvents":3`) {
		t.Fatalf("stats: %s", w.Body.String())
	}
}

func TestActivityEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, err := store.Open(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	now := time.Now().UTC()
	c := cache.New(db)
	_ = c.CacheEvents(context.Background(), []model.Event{
		{Key: "f1", Category: model.CategoryFollow, AuthorID: "a", CreatedAt: now.Add(-time.Minute)},
		{Key: "f0", Category: model.CategoryFollow, AuthorID: "b", CreatedAt: now.Add(-72 * time.Hour)},
	}, 0)
	r := NewRouter(&Server{DB: db, Cache: c})
	w := do(r, http.MethodGet, "/api/activity?hours=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body struct {
		Activity []struct {
			Events map[string]int `json:"events"`
		} `json:"activity"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Activity) != 1 || body.Activity[0].Events["follow"] != 1 {
		t.Fatalf("activity: %s", w.Body.String())
	}
}

func TestLimitValidation(t *testing.T) {
	r := setupRouter(t)
	for _, path := range []string{"/api/events?limit=0", "/api/events/unread?limit=-1", "/api/snapshots?limit=abc"} {
		if w := do(r, http.MethodGet, path, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d", path, w.Code)
		}
	}
	w := do(r, http.MethodGet, "/api/events?limit=100000", "")
	if w.Code != http.StatusOK {
		t.Fatalf("large limit: status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Events []eventView `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body.Events) != 3 {
		t.Fatalf("body: %+v %v", body, err)
	}
}

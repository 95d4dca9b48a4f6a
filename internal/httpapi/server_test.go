package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/livestat/internal/gate"
	"github.com/goodtune/livestat/internal/poll"
	"github.com/goodtune/livestat/internal/provider"
	"github.com/goodtune/livestat/internal/storage"
	"github.com/goodtune/livestat/internal/storage/bolt"
	"github.com/goodtune/livestat/internal/token"
	"github.com/goodtune/livestat/internal/usage"
	"github.com/goodtune/livestat/internal/viewer"
)

type stubProvider struct {
	values map[string]int64
}

func (p stubProvider) FetchMetrics(_ context.Context, subject string) (poll.Snapshot, error) {
	v, ok := p.values[subject]
	if !ok {
		return poll.Snapshot{}, errors.New("unknown subject")
	}
	return poll.Snapshot{
		DisplayName: strings.ToUpper(subject),
		Metrics:     []poll.Metric{{Label: "Subscribers", Value: v}},
	}, nil
}

func (p stubProvider) Search(_ context.Context, query string) ([]provider.SearchResult, error) {
	if query == "down" {
		return nil, &provider.StatusError{Code: http.StatusBadGateway, URL: "/search"}
	}
	return []provider.SearchResult{{SubjectID: query, DisplayName: strings.ToUpper(query)}}, nil
}

type testServer struct {
	url       string
	client    *http.Client
	authority *token.Authority
	clock     *usage.Clock
	mClock    *quartz.Mock
	session   *viewer.Session
}

func newTestServer(t *testing.T, limit time.Duration) *testServer {
	t.Helper()

	mClock := quartz.NewMock(t)
	mClock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	signer, err := token.NewSigner(token.SchemeHMAC, "secret")
	require.NoError(t, err)
	authority := token.NewAuthority(signer, 0, mClock)

	replay, err := gate.NewMemoryReplayCache(64, time.Hour)
	require.NoError(t, err)

	store, err := bolt.Open(filepath.Join(t.TempDir(), "httpapi.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := usage.NewClock(store.Usage(), usage.Config{ClientID: "test", Limit: limit, Location: time.UTC}, mClock, zerolog.Nop())

	session := viewer.New(viewer.Options{
		Gate:      gate.New(authority, replay, gate.ScopeSubject, zerolog.Nop()),
		Engine:    poll.New(mClock, zerolog.Nop()),
		Usage:     clock,
		Provider:  stubProvider{values: map[string]int64{"alpha": 100, "beta": 130}},
		Favorites: store.Favorites(),
		Interval:  5 * time.Second,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(session.Close)

	srv := NewServer(Config{AllowedOrigins: []string{"https://app.example"}}, session, zerolog.Nop())
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := ts.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &testServer{
		url:       ts.URL,
		client:    client,
		authority: authority,
		clock:     clock,
		mClock:    mClock,
		session:   session,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body string) *http.Response {
	t.Helper()

	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, ts.url+path, nil)
	} else {
		req, err = http.NewRequest(method, ts.url+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	require.NoError(t, err)

	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) viewPath(tok token.Token, extra url.Values) string {
	q := token.URLValues(tok)
	for k, v := range extra {
		q[k] = v
	}
	return "/view/" + tok.SubjectID + "?" + q.Encode()
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestViewRedirectsAfterAuthorization(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	resp := ts.do(t, "GET", "/view/alpha", "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	tok := ts.authority.IssueNow("alpha")
	resp = ts.do(t, "GET", ts.viewPath(tok, url.Values{"theme": {"dark"}}), "")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/view/alpha?theme=dark", resp.Header.Get("Location"))

	resp = ts.do(t, "GET", "/view/alpha", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[viewer.ViewResult](t, resp)
	require.Equal(t, gate.StateAuthorized, result.State)
	require.True(t, result.Slot.Running)
	require.Equal(t, "alpha", result.Slot.SubjectID)
}

func TestViewRejectionReasons(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	fresh := ts.authority.IssueNow("alpha")
	resp := ts.do(t, "GET", ts.viewPath(fresh, nil), "")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	stale := ts.authority.Issue("alpha", ts.mClock.Now().Add(-time.Hour).UnixMilli())
	forged := token.Token{SubjectID: "alpha", IssuedAtMs: fresh.IssuedAtMs, Code: "forged"}

	tests := []struct {
		name   string
		path   string
		reason string
	}{
		{"replayed", ts.viewPath(fresh, nil), "already used"},
		{"stale", ts.viewPath(stale, nil), "expired"},
		{"mismatch", ts.viewPath(forged, nil), "invalid"},
		{"malformed issued_at", "/view/alpha?code=abc&issued_at=soon", "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, "GET", tt.path, "")
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
			body := decode[errorResponse](t, resp)
			require.Equal(t, tt.reason, body.Reason)
		})
	}

	// Failed attempts leave the earlier grant in place
	resp = ts.do(t, "GET", "/view/alpha", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQuotaThenReset(t *testing.T) {
	ts := newTestServer(t, time.Second)
	ctx := context.Background()

	resp := ts.do(t, "GET", ts.viewPath(ts.authority.IssueNow("alpha"), nil), "")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	tick := ts.clock.Tick(ctx)
	require.True(t, tick.JustCrossed)

	resp = ts.do(t, "GET", "/view/alpha", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = ts.do(t, "GET", "/health", "")
	health := decode[map[string]any](t, resp)
	require.Equal(t, true, health["halted"])

	resp = ts.do(t, "POST", "/api/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counter := decode[usage.Counter](t, resp)
	require.Zero(t, counter.SecondsUsed)

	// Reset drops the grant, so the clean address is locked again
	resp = ts.do(t, "GET", "/view/alpha", "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	ts.mClock.Advance(time.Second)
	resp = ts.do(t, "GET", ts.viewPath(ts.authority.IssueNow("alpha"), nil), "")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestCompareEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	resp := ts.do(t, "POST", "/api/compare/beta", "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, "GET", ts.viewPath(ts.authority.IssueNow("alpha"), nil), "")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/compare/beta", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[poll.SlotState](t, resp)
	require.Equal(t, poll.Comparison, state.Slot)
	require.Equal(t, "beta", state.SubjectID)

	require.Eventually(t, func() bool {
		_, ok := ts.session.Comparison()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	resp = ts.do(t, "GET", "/api/compare", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cmp := decode[viewer.Comparison](t, resp)
	require.Len(t, cmp.Deltas, 1)
	require.Equal(t, int64(30), cmp.Deltas[0].Delta)

	resp = ts.do(t, "GET", "/api/slots", "")
	slots := decode[[]poll.SlotState](t, resp)
	require.Len(t, slots, 2)

	resp = ts.do(t, "DELETE", "/api/compare?clear=true", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/compare", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFavoritesEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	resp := ts.do(t, "GET", "/api/favorites/ana", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decode[[]storage.Favorite](t, resp))

	resp = ts.do(t, "PUT", "/api/favorites/ana", `[{"subject_id":"a"},{"subject_id":"a"}]`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "PUT", "/api/favorites/ana", `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "PUT", "/api/favorites/ana", `[{"subject_id":"a","display_name":"A"},{"subject_id":"b"}]`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/favorites/ana", "")
	favorites := decode[[]storage.Favorite](t, resp)
	require.Len(t, favorites, 2)
	require.Equal(t, "A", favorites[0].DisplayName)
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	resp := ts.do(t, "GET", "/api/search", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/search?q=gamer", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[[]provider.SearchResult](t, resp)
	require.Len(t, results, 1)
	require.Equal(t, "GAMER", results[0].DisplayName)

	resp = ts.do(t, "GET", "/api/search?q=down", "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestUsageEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Minute)
	ts.clock.Tick(context.Background())

	resp := ts.do(t, "GET", "/api/usage", "")
	counter := decode[usage.Counter](t, resp)
	require.Equal(t, int64(1), counter.SecondsUsed)
	require.Equal(t, int64(60), counter.LimitSeconds)
	require.Equal(t, "2024-03-01", counter.DayStamp)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	req, err := http.NewRequest(http.MethodOptions, ts.url+"/api/compare", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")

	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp2, err := ts.client.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// The stream opens with the state of both slots
	for i := 0; i < 2; i++ {
		var ev viewer.Event
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, viewer.EventSlot, ev.Type)
		require.False(t, ev.Slot.Running)
	}

	resp := ts.do(t, "GET", ts.viewPath(ts.authority.IssueNow("alpha"), nil), "")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	for {
		var ev viewer.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == viewer.EventSlot && ev.Slot.Snapshot != nil {
			require.Equal(t, "alpha", ev.Slot.SubjectID)
			require.Equal(t, int64(100), ev.Slot.Snapshot.Metrics[0].Value)
			break
		}
	}
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, time.Hour)

	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws"
	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	defer limiter.Stop()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	require.True(t, limiter.Allow("10.0.0.1"))
	require.True(t, limiter.Allow("10.0.0.1"))
	require.False(t, limiter.Allow("10.0.0.1"))
	require.True(t, limiter.Allow("10.0.0.2"))

	now = now.Add(time.Minute + time.Second)
	require.True(t, limiter.Allow("10.0.0.1"))
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for _, port := range []int{1000, 1001, 1002} {
		req := httptest.NewRequest("GET", "/api/slots", nil)
		req.RemoteAddr = "192.0.2.1:" + strconv.Itoa(port)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	// Source ports do not earn a client fresh buckets
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/retention/internal/retention"
	"github.com/samcharles93/retention/internal/tensor"
)

func newTestBlock(t *testing.T) *retention.Block {
	t.Helper()
	blk, err := retention.New(retention.Config{EmbedDim: 8, NumHeads: 2})
	if err != nil {
		t.Fatalf("retention.New: %v", err)
	}
	blk.InitRandom(1)
	return blk
}

func newTestEcho(t *testing.T, opts ...StoreOption) (*echo.Echo, *Server) {
	t.Helper()
	server := NewServer(newTestBlock(t), NewSessionStore(opts...), NewMetrics(), nil)
	e := echo.New()
	server.Register(e)
	return e, server
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func scrapeMetrics(t *testing.T, e *echo.Echo) string {
	t.Helper()
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", rec.Code)
	}
	return rec.Body.String()
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func testInput(b, t int) [][][]float32 {
	x := tensor.NewBatch(b, t, 8)
	tensor.FillRandSlice(x.Data, 42, 2)
	return nestedFromBatch(x)
}

func forwardBody(t *testing.T, input [][][]float32) string {
	t.Helper()
	raw, err := json.Marshal(ForwardRequest{Input: input})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return string(raw)
}

func TestForwardReturnsShape(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/forward", forwardBody(t, testInput(2, 3)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[ForwardResponse](t, rec)
	if diff := cmp.Diff([]int{2, 3, 8}, resp.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	if resp.Mode != modeParallel || len(resp.Output) != 2 || len(resp.Output[1]) != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"input":`},
		{"unknown field", `{"inputs":[[[1]]]}`},
		{"empty batch", `{"input":[]}`},
		{"ragged sequences", `{"input":[[[1,2,3,4,5,6,7,8]],[]]}`},
		{"wrong width", `{"input":[[[1,2,3]]]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/forward", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), "invalid_request_error") {
				t.Fatalf("missing error type: %s", rec.Body.String())
			}
		})
	}
}

func TestSessionDecodingMatchesParallel(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	input := testInput(1, 4)

	rec := doJSON(t, e, http.MethodPost, "/v1/forward", forwardBody(t, input))
	if rec.Code != http.StatusOK {
		t.Fatalf("forward status: got %d body=%s", rec.Code, rec.Body.String())
	}
	want := decodeBody[ForwardResponse](t, rec).Output[0]

	rec = doJSON(t, e, http.MethodPost, "/v1/sessions", `{"batch":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	sess := decodeBody[SessionResp](t, rec)
	if !strings.HasPrefix(sess.ID, "sess_") || sess.Position != 0 || sess.StateShape != nil {
		t.Fatalf("unexpected new session: %+v", sess)
	}

	var got [][]float32
	for pos := range 4 {
		step := [][][]float32{{input[0][pos]}}
		rec = doJSON(t, e, http.MethodPost, "/v1/sessions/"+sess.ID+"/forward", forwardBody(t, step))
		if rec.Code != http.StatusOK {
			t.Fatalf("step %d status: got %d body=%s", pos, rec.Code, rec.Body.String())
		}
		resp := decodeBody[ForwardResponse](t, rec)
		if resp.Position != pos+1 {
			t.Fatalf("step %d position = %d", pos, resp.Position)
		}
		got = append(got, resp.Output[0][0])
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(1e-4, 2e-4)); diff != "" {
		t.Fatalf("session vs parallel (-parallel +session):\n%s", diff)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/sessions/"+sess.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d", rec.Code)
	}
	info := decodeBody[SessionResp](t, rec)
	if info.Position != 4 {
		t.Fatalf("position = %d, want 4", info.Position)
	}
	if diff := cmp.Diff([]int{1, 2, 4, 4}, info.StateShape); diff != "" {
		t.Fatalf("state shape (-want +got):\n%s", diff)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	e, server := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	sess := decodeBody[SessionResp](t, rec)
	if sess.Batch != 1 {
		t.Fatalf("default batch = %d, want 1", sess.Batch)
	}
	if server.store.Len() != 1 {
		t.Fatalf("store holds %d sessions", server.store.Len())
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/sessions/"+sess.ID+"/forward", forwardBody(t, testInput(2, 1)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("batch mismatch status: got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodDelete, "/v1/sessions/"+sess.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d", rec.Code)
	}
	if !decodeBody[DeleteSessionResp](t, rec).Deleted {
		t.Fatal("expected deleted=true")
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec = doJSON(t, e, method, "/v1/sessions/"+sess.ID, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s after delete: got %d", method, rec.Code)
		}
	}
	rec = doJSON(t, e, http.MethodPost, "/v1/sessions/"+sess.ID+"/forward", forwardBody(t, testInput(1, 1)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("forward after delete: got %d", rec.Code)
	}
}

func TestCreateSessionRejectsNegativeBatch(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/sessions", `{"batch":-2}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestConfigEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	cfg := decodeBody[retention.Config](t, rec)
	if cfg.EmbedDim != 8 || cfg.NumHeads != 2 || cfg.ValueDim != 8 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	doJSON(t, e, http.MethodPost, "/v1/forward", forwardBody(t, testInput(1, 2)))
	doJSON(t, e, http.MethodPost, "/v1/forward", `{"input":[[[1]]]}`)
	doJSON(t, e, http.MethodPost, "/v1/sessions", "")

	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`retention_forward_total{mode="parallel"} 1`,
		`retention_forward_errors_total{mode="parallel"} 1`,
		`retention_positions_total{mode="parallel"} 2`,
		`retention_sessions_active 1`,
		`retention_sessions_created_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	_, cfgErr := retention.New(retention.Config{EmbedDim: 3, NumHeads: 2})
	tests := []struct {
		err  error
		want int
	}{
		{newInvalidRequest("bad"), http.StatusBadRequest},
		{cfgErr, http.StatusBadRequest},
		{&retention.ShapeError{What: "input"}, http.StatusBadRequest},
		{ErrSessionNotFound, http.StatusNotFound},
		{ErrSessionLimit, http.StatusTooManyRequests},
		{http.ErrHandlerTimeout, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCreateSessionRespectsLimit(t *testing.T) {
	t.Parallel()
	e, server := newTestEcho(t, WithMaxSessions(2))

	var ids []string
	for range 2 {
		rec := doJSON(t, e, http.MethodPost, "/v1/sessions", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
		}
		ids = append(ids, decodeBody[SessionResp](t, rec).ID)
	}

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("create over limit: got %d body=%s", rec.Code, rec.Body.String())
	}
	if server.store.Len() != 2 {
		t.Fatalf("store holds %d sessions, want 2", server.store.Len())
	}

	doJSON(t, e, http.MethodDelete, "/v1/sessions/"+ids[0], "")
	rec = doJSON(t, e, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create after delete: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestIdleSessionsExpire(t *testing.T) {
	t.Parallel()
	e, server := newTestEcho(t, WithSessionTTL(time.Minute), WithMaxSessions(1))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	server.clock = clock.Now

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	first := decodeBody[SessionResp](t, rec).ID

	// Activity within the TTL keeps the session alive.
	clock.now = clock.now.Add(50 * time.Second)
	rec = doJSON(t, e, http.MethodPost, "/v1/sessions/"+first+"/forward", forwardBody(t, testInput(1, 1)))
	if rec.Code != http.StatusOK {
		t.Fatalf("forward status: got %d body=%s", rec.Code, rec.Body.String())
	}
	clock.now = clock.now.Add(50 * time.Second)
	if rec = doJSON(t, e, http.MethodGet, "/v1/sessions/"+first, ""); rec.Code != http.StatusOK {
		t.Fatalf("get within ttl: got %d", rec.Code)
	}

	// An idle session is swept and frees its slot.
	clock.now = clock.now.Add(2 * time.Minute)
	rec = doJSON(t, e, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create after expiry: got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec = doJSON(t, e, http.MethodGet, "/v1/sessions/"+first, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expired session: got %d", rec.Code)
	}

	body := scrapeMetrics(t, e)
	for _, want := range []string{
		`retention_sessions_active 1`,
		`retention_sessions_created_total 2`,
		`retention_sessions_expired_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestForwardDurationUsesServerClock(t *testing.T) {
	t.Parallel()
	e, server := newTestEcho(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0), step: 250 * time.Millisecond}
	server.clock = clock.Now

	rec := doJSON(t, e, http.MethodPost, "/v1/forward", forwardBody(t, testInput(1, 2)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}

	body := scrapeMetrics(t, e)
	for _, want := range []string{
		`retention_forward_duration_seconds_sum{mode="parallel"} 0.25`,
		`retention_forward_duration_seconds_count{mode="parallel"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

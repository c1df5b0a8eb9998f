package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/escort-dispatch/internal/auth"
	"github.com/example/escort-dispatch/internal/dispatch"
	"github.com/example/escort-dispatch/internal/models"
	"github.com/example/escort-dispatch/internal/rides"
	"github.com/example/escort-dispatch/internal/storage"
)

type testEnv struct {
	srv    *Server
	auth   *auth.JWTAuthenticator
	ws     *dispatch.WSRegistry
	tokens map[string]string
}

func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestEnv(t *testing.T, store storage.Store, limiter *ActorLimiter) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := rides.NewEngine(store, rides.Options{Logger: logger, Now: stepClock()})
	a := auth.NewJWTAuthenticator("handler-test-secret")
	ws := dispatch.NewWSRegistry()
	env := &testEnv{
		srv:    NewServer(Deps{Engine: engine, Auth: a, WS: ws, Limiter: limiter, Logger: logger}),
		auth:   a,
		ws:     ws,
		tokens: map[string]string{},
	}
	for actor, role := range map[string]models.Role{"U1": models.RoleRequester, "U2": models.RoleRequester, "S1": models.RoleResponder, "S2": models.RoleResponder} {
		tok, err := a.Issue(auth.Identity{ActorID: actor, Role: role}, time.Hour)
		require.NoError(t, err)
		env.tokens[actor] = tok
	}
	return env
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Errors  []string        `json:"errors"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, actor string, body any) (int, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[actor])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func ride(t *testing.T, env envelope) models.RideRequest {
	t.Helper()
	var r models.RideRequest
	require.NoError(t, json.Unmarshal(env.Data, &r))
	return r
}

func samplePayload() models.Payload {
	return models.Payload{
		Pickup:        models.Coord{Lat: 43.6629, Lon: -79.3957},
		Dropoff:       models.Coord{Lat: 43.6677, Lon: -79.3948},
		ServiceAreaID: "st-george",
	}
}

func TestSubmitAndQueuePosition(t *testing.T) {
	env := newTestEnv(t, storage.NewMemoryStore(), nil)

	code, body := env.do(t, "POST", "/rides", "U1", samplePayload())
	require.Equal(t, http.StatusCreated, code)
	first := ride(t, body)
	assert.Equal(t, models.StatusPending, first.Status)
	assert.Equal(t, 1, first.WaitingNumber)

	code, body = env.do(t, "POST", "/rides", "U2", samplePayload())
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, 2, ride(t, body).WaitingNumber)

	code, body = env.do(t, "POST", "/rides", "U1", samplePayload())
	require.Equal(t, http.StatusBadRequest, code)
	assert.False(t, body.Success)
	assert.Equal(t, string(rides.KindActiveRequestExists), body.Code)
	assert.Equal(t, []string{"You already have an active request"}, body.Errors)

	code, body = env.do(t, "POST", "/rides", "S1", samplePayload())
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(rides.KindForbidden), body.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, storage.NewMemoryStore(), nil)
	code, body := env.do(t, "GET", "/rides", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHENTICATED", body.Code)
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t, storage.NewMemoryStore(), nil)
	req := httptest.NewRequest("POST", "/rides", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+env.tokens["U1"])
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(rides.KindInvalidPayload))
}

func TestUpdateStatusLifecycle(t *testing.T) {
	env := newTestEnv(t, storage.NewMemoryStore(), nil)
	_, body := env.do(t, "POST", "/rides", "U1", samplePayload())
	id := ride(t, body).ID
	path := "/rides/" + id + "/updateStatus"

	code, body := env.do(t, "PUT", path, "S1", map[string]any{"status": "accepted"})
	require.Equal(t, http.StatusOK, code)
	accepted := ride(t, body)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.Equal(t, "S1", accepted.ResponderID)

	code, body = env.do(t, "PUT", path, "S2", map[string]any{"status": "en_route"})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(rides.KindAlreadyAssigned), body.Code)

	// legacy numeric code for en_route
	code, body = env.do(t, "PUT", path, "S1", map[string]any{"status": 3})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatusEnRoute, ride(t, body).Status)

	code, body = env.do(t, "PUT", path, "S1", map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatusCompleted, ride(t, body).Status)

	code, body = env.do(t, "PUT", path, "U1", map[string]any{"status": "cancelled"})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(rides.KindTerminalState), body.Code)

	code, body = env.do(t, "PUT", "/rides/missing/updateStatus", "S1", map[string]any{"status": "accepted"})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(rides.KindNotFound), body.Code)

	code, body = env.do(t, "PUT", path, "S1", map[string]any{"status": "teleported"})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestGetAndList(t *testing.T) {
	env := newTestEnv(t, storage.NewMemoryStore(), nil)
	_, body := env.do(t, "POST", "/rides", "U1", samplePayload())
	first := ride(t, body)
	_, body = env.do(t, "POST", "/rides", "U2", samplePayload())
	second := ride(t, body)

	code, body := env.do(t, "GET", "/rides/"+second.ID, "U2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, ride(t, body).WaitingNumber)

	// requesters cannot see each other's requests
	code, _ = env.do(t, "GET", "/rides/"+second.ID, "U1", nil)
	require.Equal(t, http.StatusBadRequest, code)

	_, _ = env.do(t, "PUT", "/rides/"+first.ID+"/updateStatus", "U1", map[string]any{"status": "cancelled"})

	code, body = env.do(t, "GET", "/rides/"+second.ID, "U2", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, ride(t, body).WaitingNumber)

	var list []models.RideRequest
	code, body = env.do(t, "GET", "/rides?type=active", "S1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	code, body = env.do(t, "GET", "/rides?type=2", "U1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusCancelled, list[0].Status)

	code, body = env.do(t, "GET", "/rides?type=someday", "U1", nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_LIST_TYPE", body.Code)
}

// conflictOnceStore makes the first conditional write lose a race.
type conflictOnceStore struct {
	*storage.MemoryStore
	mu    sync.Mutex
	fired bool
}

func (c *conflictOnceStore) ConditionalUpdate(ctx context.Context, id string, exp storage.Expectation, ch storage.Change) (models.RideRequest, error) {
	c.mu.Lock()
	fire := !c.fired
	c.fired = true
	c.mu.Unlock()
	if fire {
		return models.RideRequest{}, storage.ErrConflict
	}
	return c.MemoryStore.ConditionalUpdate(ctx, id, exp, ch)
}

func TestUpdateStatusRetriesOnceAfterLostRace(t *testing.T) {
	store := &conflictOnceStore{MemoryStore: storage.NewMemoryStore()}
	env := newTestEnv(t, store, nil)
	_, body := env.do(t, "POST", "/rides", "U1", samplePayload())
	id := ride(t, body).ID

	code, body := env.do(t, "PUT", "/rides/"+id+"/updateStatus", "S1", map[string]any{"status": "accepted"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatusAccepted, ride(t, body).Status)
}

func TestRateLimitOnMutations(t *testing.T) {
	env := newTestEnv(t, storage.NewMemoryStore(), NewActorLimiter(0.001, 1, time.Minute))

	code, _ := env.do(t, "POST", "/rides", "U1", samplePayload())
	require.Equal(t, http.StatusCreated, code)
	code, body := env.do(t, "POST", "/rides", "U1", samplePayload())
	require.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMITED", body.Code)

	// reads are not limited and other actors have their own bucket
	code, _ = env.do(t, "GET", "/rides", "U1", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, "POST", "/rides", "U2", samplePayload())
	require.Equal(t, http.StatusCreated, code)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, storage.NewMemoryStore(), nil)
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebsocketReceivesRequestCreated(t *testing.T) {
	env := newTestEnv(t, storage.NewMemoryStore(), nil)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + env.tokens["S1"]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.ws.Count() == 1 }, time.Second, 10*time.Millisecond)

	e := models.Event{Type: models.EventRequestCreated, Ride: models.RideRequest{ID: "r1", RequesterID: "U1", Status: models.StatusPending}}
	require.NoError(t, env.ws.Deliver(context.Background(), e))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var got models.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.EventRequestCreated, got.Type)
	assert.Equal(t, "r1", got.Ride.ID)

	conn.Close()
	require.Eventually(t, func() bool { return env.ws.Count() == 0 }, time.Second, 10*time.Millisecond)
}

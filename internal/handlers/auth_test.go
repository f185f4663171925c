package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jjudge-oj/authserver/internal/auth"
	"github.com/jjudge-oj/authserver/internal/events"
	"github.com/jjudge-oj/authserver/internal/metrics"
	"github.com/jjudge-oj/authserver/internal/mq"
	"github.com/jjudge-oj/authserver/internal/services"
	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "handler-test-secret-0123456789"

type testEnv struct {
	router  *chi.Mux
	repo    *store.MemoryUserRepository
	issuer  *auth.TokenIssuer
	metrics *metrics.Metrics
	logs    *logtest.Hook
	queue   *mq.MQ
}

func newTestEnv(t *testing.T, opts AuthOptions) *testEnv {
	t.Helper()

	hasher, err := auth.NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(testSecret)
	require.NoError(t, err)

	repo := store.NewMemoryUserRepository()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	queue := mq.New(mq.NewMemoryBackend(64))
	m := metrics.New()

	handler := NewAuthHandler(
		services.NewUserService(repo, hasher),
		issuer,
		events.NewPublisher(queue, "user-events"),
		m,
		logger,
		opts,
	)

	router := chi.NewRouter()
	router.Route("/auth", func(r chi.Router) {
		AuthRouter(r, handler, issuer.RequireAuth)
	})

	return &testEnv{router: router, repo: repo, issuer: issuer, metrics: m, logs: hook, queue: queue}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(t *testing.T, username, password, email string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": username, "password": password, "email": email})
	require.NoError(t, err)
	return e.do(t, http.MethodPost, "/auth/register", string(body), nil)
}

func (e *testEnv) login(t *testing.T, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	require.NoError(t, err)
	return e.do(t, http.MethodPost, "/auth/login", string(body), nil)
}

func (e *testEnv) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v))
	return v
}

func TestRegisterThenLogin(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})

	rec := env.register(t, "alice01", "abc123", "a@example.com")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[registerResponse](t, rec)
	assert.Equal(t, "User created successfully", created.Message)
	require.Positive(t, created.UserID)

	rec = env.login(t, "alice01", "abc123")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token := decodeBody[loginResponse](t, rec).Token
	require.NotEmpty(t, token)

	claims, err := env.issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, created.UserID, claims.UserID)
	assert.Equal(t, "user", claims.UserRole)

	assert.Contains(t, env.scrape(t), `authserver_registrations_total{result="success"} 1`)
	assert.Contains(t, env.scrape(t), `authserver_logins_total{result="success"} 1`)
}

func TestRegister_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"username too short", `{"username":"ab","password":"abc123","email":"a@example.com"}`, "at least 3"},
		{"bad email", `{"username":"alice01","password":"abc123","email":"nope"}`, `"email" must be a valid email`},
		{"bad password", `{"username":"alice01","password":"a b c","email":"a@example.com"}`, "fails to match the required pattern"},
		{"empty body", ``, `"username" is required`},
		{"unknown field", `{"username":"alice01","password":"abc123","email":"a@example.com","role":"admin"}`, `"role" is not allowed`},
		{"wrong type", `{"username":123,"password":"abc123","email":"a@example.com"}`, `"username" must be a string`},
		{"not an object", `[1,2,3]`, "must be"},
		{"trailing garbage", `{"username":"bob03","password":"abc123","email":"b@example.com"} garbage`, "single JSON object"},
		{"second object", `{"username":"bob03","password":"abc123","email":"b@example.com"}{"role":"admin"}`, "single JSON object"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/auth/register", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeBody[ErrorResponse](t, rec)
			assert.Contains(t, resp.Error, tc.wantMsg)
		})
	}

	users, err := env.repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})

	require.Equal(t, http.StatusCreated, env.register(t, "alice01", "abc123", "a@example.com").Code)

	rec := env.register(t, "alice01", "zzz999", "other@example.com")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "username already exists", decodeBody[ErrorResponse](t, rec).Error)
	assert.Equal(t, 1, env.repo.Count("alice01"))
	assert.Contains(t, env.scrape(t), `authserver_registrations_total{result="conflict"} 1`)
}

func TestRegister_ConcurrentSameUsername(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})

	const workers = 8
	codes := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = env.register(t, "racer01", "abc123", "r@example.com").Code
		}(i)
	}
	wg.Wait()

	var created, conflicts int
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflicts)
	assert.Equal(t, 1, env.repo.Count("racer01"))
}

func TestRegister_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	env.repo.FailWith(errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	rec := env.register(t, "alice01", "abc123", "a@example.com")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "Failed to register user", resp.Error)
	assert.Empty(t, resp.Details)
}

func TestRegister_StoreUnavailableWithDetails(t *testing.T) {
	env := newTestEnv(t, AuthOptions{ExposeErrorDetails: true})
	env.repo.FailWith(errors.New("connection refused"))

	rec := env.register(t, "alice01", "abc123", "a@example.com")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "connection refused", decodeBody[ErrorResponse](t, rec).Details)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	require.Equal(t, http.StatusCreated, env.register(t, "alice01", "abc123", "a@example.com").Code)

	unknown := env.login(t, "nobody99", "abc123")
	wrong := env.login(t, "alice01", "wrongpass")

	require.Equal(t, http.StatusUnauthorized, unknown.Code)
	require.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.JSONEq(t, `{"error":"Invalid credentials"}`, unknown.Body.String())
	assert.Equal(t, unknown.Body.String(), wrong.Body.String())
}

func TestLogin_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})

	rec := env.do(t, http.MethodPost, "/auth/login", `{"username":"alice01"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `"password" is required`, decodeBody[ErrorResponse](t, rec).Error)
}

func TestLogin_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	env.repo.FailWith(errors.New("connection refused"))

	rec := env.login(t, "alice01", "abc123")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to login", decodeBody[ErrorResponse](t, rec).Error)
}

func TestLogin_PasswordNeverLogged(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	require.Equal(t, http.StatusCreated, env.register(t, "alice01", "abc123", "a@example.com").Code)
	env.login(t, "alice01", "wrongpass")
	env.login(t, "alice01", "abc123")

	require.NotEmpty(t, env.logs.AllEntries())
	for _, entry := range env.logs.AllEntries() {
		line, err := entry.String()
		require.NoError(t, err)
		assert.NotContains(t, line, "abc123")
		assert.NotContains(t, line, "wrongpass")
		assert.NotContains(t, line, "$2a$")
	}
}

func TestListUsers_ProjectsOutPasswordHash(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	require.Equal(t, http.StatusCreated, env.register(t, "alice01", "abc123", "a@example.com").Code)

	rec := env.do(t, http.MethodGet, "/auth/users", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")

	users := decodeBody[[]map[string]any](t, rec)
	require.Len(t, users, 1)
	assert.Equal(t, "alice01", users[0]["username"])
	assert.Equal(t, "user", users[0]["role"])
}

func TestListUsers_ExposeHashWhenConfigured(t *testing.T) {
	env := newTestEnv(t, AuthOptions{ExposePasswordHash: true})
	require.Equal(t, http.StatusCreated, env.register(t, "alice01", "abc123", "a@example.com").Code)

	rec := env.do(t, http.MethodGet, "/auth/users", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeBody[[]map[string]any](t, rec)
	require.Len(t, users, 1)
	hash, _ := users[0]["password"].(string)
	assert.True(t, strings.HasPrefix(hash, "$2a$"), "expected bcrypt digest, got %q", hash)
}

func TestListUsers_Empty(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})

	rec := env.do(t, http.MethodGet, "/auth/users", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListUsers_StoreError(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	env.repo.FailWith(errors.New("connection refused"))

	rec := env.do(t, http.MethodGet, "/auth/users", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to fetch users", decodeBody[ErrorResponse](t, rec).Error)
}

func TestMe(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	require.Equal(t, http.StatusCreated, env.register(t, "alice01", "abc123", "a@example.com").Code)
	token := decodeBody[loginResponse](t, env.login(t, "alice01", "abc123")).Token

	rec := env.do(t, http.MethodGet, "/auth/me", "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "alice01", me["username"])
	assert.NotContains(t, me, "password")

	rec = env.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_UserGone(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	token, err := env.issuer.Issue(404, "user")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/auth/me", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterAndLogin_PublishEvents(t *testing.T) {
	env := newTestEnv(t, AuthOptions{})
	require.Equal(t, http.StatusCreated, env.register(t, "alice01", "abc123", "a@example.com").Code)
	require.Equal(t, http.StatusOK, env.login(t, "alice01", "abc123").Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []string
	_ = env.queue.Subscribe(ctx, "user-events", func(ctx context.Context, msg mq.Message) error {
		event, err := events.Decode(msg)
		if err != nil {
			return err
		}
		got = append(got, event.Type)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})

	assert.Equal(t, []string{events.TypeUserRegistered, events.TypeUserLoggedIn}, got)
}

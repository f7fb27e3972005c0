package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/xxxsen/common/webapi"

	"github.com/xxxsen/docindex/internal/handler"
	"github.com/xxxsen/docindex/internal/middleware"
	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/pkg/errcode"
	appErr "github.com/xxxsen/docindex/internal/pkg/errors"
	"github.com/xxxsen/docindex/internal/pkg/jwt"
	"github.com/xxxsen/docindex/internal/service"
)

type fakeLibraries struct {
	added      []model.LibrarySpec
	removed    []string
	lastQuery  service.QueryOptions
	enabledArg *bool
	err        error
}

func (f *fakeLibraries) AddLibrary(ctx context.Context, spec model.LibrarySpec) (*model.LibraryStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.added = append(f.added, spec)
	return &model.LibraryStatus{Library: model.LibraryConfig{Name: spec.Name, VersionSpec: "latest"}, Note: "population requested"}, nil
}

func (f *fakeLibraries) AddLibraries(ctx context.Context, specs []model.LibrarySpec, failFast bool) (*model.AddLibrariesResult, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no libraries given: %w", appErr.ErrInvalid)
	}
	return &model.AddLibrariesResult{
		Summary: model.AddLibrariesSummary{Total: len(specs), Successful: len(specs)},
		Message: fmt.Sprintf("configured %d libraries", len(specs)),
	}, nil
}

func (f *fakeLibraries) RemoveLibrary(ctx context.Context, name, versionSpec string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, name+"@"+versionSpec)
	return nil
}

func (f *fakeLibraries) ListLibraries(ctx context.Context, enabledOnly bool) ([]model.LibrarySummary, error) {
	f.enabledArg = &enabledOnly
	return []model.LibrarySummary{{Config: model.LibraryConfig{Name: "serde"}}}, nil
}

func (f *fakeLibraries) CheckStatus(ctx context.Context, name, versionSpec string) (*model.LibraryStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.LibraryStatus{Library: model.LibraryConfig{Name: name}, State: model.LibraryStatePopulated, Queryable: true}, nil
}

func (f *fakeLibraries) Query(ctx context.Context, name, question string, opts service.QueryOptions) (*model.QueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastQuery = opts
	return &model.QueryResult{Library: name, Version: "1.0.0", Chunks: []model.SearchHit{{ItemPath: "serde::Serialize"}}}, nil
}

type fakePinger struct {
	err error
}

func (p fakePinger) PingContext(ctx context.Context) error {
	return p.err
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"message"`
	Data json.RawMessage `json:"data"`
}

type testServer struct {
	http.Handler
	libs      *fakeLibraries
	readiness *handler.Readiness
}

func setupRouter(t *testing.T, secret []byte, db fakePinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	libs := &fakeLibraries{}
	readiness := &handler.Readiness{}
	deps := handler.RouterDeps{
		Libraries:  handler.NewLibraryHandler(libs),
		Health:     handler.NewHealthHandler(db, readiness),
		JWTSecret:  secret,
		QueryRPS:   100,
		QueryBurst: 100,
		MCP: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		"",
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(middleware.RequestID()),
	)
	require.NoError(t, err)
	return &testServer{Handler: engine, libs: libs, readiness: readiness}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) envelope {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
	return env
}

func TestLibraryRoutes(t *testing.T) {
	srv := setupRouter(t, nil, fakePinger{})

	env := decode(t, do(t, srv, http.MethodPost, "/api/v1/libraries", `{"name":"serde","version_spec":"1.0.0"}`))
	require.Equal(t, 0, env.Code)
	require.Len(t, srv.libs.added, 1)
	require.Equal(t, "1.0.0", srv.libs.added[0].VersionSpec)

	env = decode(t, do(t, srv, http.MethodPost, "/api/v1/libraries/batch", `{"libraries":[{"name":"a"},{"name":"b"}]}`))
	require.Equal(t, 0, env.Code)
	var batch model.AddLibrariesResult
	require.NoError(t, json.Unmarshal(env.Data, &batch))
	require.Equal(t, 2, batch.Summary.Total)

	env = decode(t, do(t, srv, http.MethodPost, "/api/v1/libraries/batch", `{"libraries":[]}`))
	require.Equal(t, errcode.ErrInvalid, env.Code)

	env = decode(t, do(t, srv, http.MethodGet, "/api/v1/libraries?enabled_only=true", ""))
	require.Equal(t, 0, env.Code)
	require.NotNil(t, srv.libs.enabledArg)
	require.True(t, *srv.libs.enabledArg)

	env = decode(t, do(t, srv, http.MethodGet, "/api/v1/libraries?enabled_only=maybe", ""))
	require.Equal(t, errcode.ErrInvalid, env.Code)

	env = decode(t, do(t, srv, http.MethodGet, "/api/v1/libraries/serde/status", ""))
	var st model.LibraryStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	require.True(t, st.Queryable)

	env = decode(t, do(t, srv, http.MethodDelete, "/api/v1/libraries/serde?version_spec=1.0.0", ""))
	require.Equal(t, 0, env.Code)
	require.Equal(t, []string{"serde@1.0.0"}, srv.libs.removed)
}

func TestQueryRoute(t *testing.T) {
	srv := setupRouter(t, nil, fakePinger{})

	env := decode(t, do(t, srv, http.MethodPost, "/api/v1/libraries/serde/query", `{"question":"derive?","top_k":3,"summarize":true}`))
	require.Equal(t, 0, env.Code)
	var res model.QueryResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, "serde", res.Library)
	require.Equal(t, service.QueryOptions{TopK: 3, Summarize: true}, srv.libs.lastQuery)

	env = decode(t, do(t, srv, http.MethodPost, "/api/v1/libraries/serde/query", `{"question":""}`))
	require.Equal(t, errcode.ErrInvalid, env.Code)
	require.Equal(t, "question required", env.Msg)

	env = decode(t, do(t, srv, http.MethodPost, "/api/v1/libraries/serde/query", `not json`))
	require.Equal(t, errcode.ErrInvalid, env.Code)
}

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("library ghost: %w", appErr.ErrNotFound), errcode.ErrNotFound},
		{appErr.ErrAlreadyInProgress, errcode.ErrConflict},
		{fmt.Errorf("dim 8 != 4: %w", appErr.ErrConfigMismatch), errcode.ErrConfigMismatch},
		{fmt.Errorf("embed: %w", appErr.ErrRateLimited), errcode.ErrTooMany},
		{fmt.Errorf("embed: %w", appErr.ErrProvider), errcode.ErrProvider},
		{fmt.Errorf("search: %w", appErr.ErrStorage), errcode.ErrStorage},
		{errors.New("boom"), errcode.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv := setupRouter(t, nil, fakePinger{})
			srv.libs.err = tt.err
			env := decode(t, do(t, srv, http.MethodGet, "/api/v1/libraries/serde/status", ""))
			require.Equal(t, tt.code, env.Code)
			if tt.code == errcode.ErrInternal || tt.code == errcode.ErrStorage {
				require.Equal(t, "internal error", env.Msg)
			} else {
				require.Equal(t, tt.err.Error(), env.Msg)
			}
		})
	}
}

func TestInternalErrorMessageHidden(t *testing.T) {
	srv := setupRouter(t, nil, fakePinger{})
	srv.libs.err = fmt.Errorf("pq: password authentication failed: %w", appErr.ErrStorage)
	env := decode(t, do(t, srv, http.MethodGet, "/api/v1/libraries/serde/status", ""))
	require.Equal(t, "internal error", env.Msg)
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	secret := []byte("test-secret")
	srv := setupRouter(t, secret, fakePinger{})

	env := decode(t, do(t, srv, http.MethodPost, "/api/v1/libraries", `{"name":"serde"}`))
	require.Equal(t, errcode.ErrUnauthorized, env.Code)
	require.Empty(t, srv.libs.added)

	env = decode(t, do(t, srv, http.MethodDelete, "/api/v1/libraries/serde", ""))
	require.Equal(t, errcode.ErrUnauthorized, env.Code)

	// reads stay open
	env = decode(t, do(t, srv, http.MethodGet, "/api/v1/libraries", ""))
	require.Equal(t, 0, env.Code)

	token, err := jwt.GenerateToken("ops", secret, time.Hour)
	require.NoError(t, err)
	env = decode(t, do(t, srv, http.MethodPost, "/api/v1/libraries", `{"name":"serde"}`, "Authorization", "Bearer "+token))
	require.Equal(t, 0, env.Code)
	require.Len(t, srv.libs.added, 1)

	resp := do(t, srv, http.MethodPost, "/api/v1/mcp", `{}`)
	require.Equal(t, http.StatusOK, resp.Code)
	resp = do(t, srv, http.MethodPost, "/api/v1/mcp", `{}`, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusAccepted, resp.Code)
}

func TestHealthProbes(t *testing.T) {
	srv := setupRouter(t, nil, fakePinger{})

	resp := do(t, srv, http.MethodGet, "/api/v1/health/live", "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, srv, http.MethodGet, "/api/v1/health/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Contains(t, resp.Body.String(), `"embedding_initialized":false`)

	srv.readiness.SetEmbedderReady()
	resp = do(t, srv, http.MethodGet, "/api/v1/health/ready", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"auto_population_complete":false`)

	down := setupRouter(t, nil, fakePinger{err: errors.New("connection refused")})
	down.readiness.SetEmbedderReady()
	resp = do(t, down, http.MethodGet, "/api/v1/health/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Contains(t, resp.Body.String(), `"database_connected":false`)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezviz-cas/cas-bridge/internal/config"
	"github.com/ezviz-cas/cas-bridge/internal/control"
	"github.com/ezviz-cas/cas-bridge/internal/models"
	"github.com/ezviz-cas/cas-bridge/internal/storage"
	"github.com/ezviz-cas/cas-bridge/pkg/cas"
	"github.com/ezviz-cas/cas-bridge/pkg/crypto"
)

type fakeService struct {
	got control.Request
	err error
}

func (f *fakeService) SetDefence(ctx context.Context, req control.Request) (*models.DefenceCommand, error) {
	f.got = req
	cmd := &models.DefenceCommand{DeviceSerial: req.Serial, Enable: req.Enable, Success: f.err == nil, Source: req.Source, RequestedBy: req.RequestedBy}
	cmd.Touch()
	if f.err != nil {
		cmd.Error = f.err.Error()
	}
	return cmd, f.err
}

type fakeStore struct {
	filters storage.CommandFilters
	cmds    []*models.DefenceCommand
}

func (f *fakeStore) GetDefenceCommand(ctx context.Context, id string) (*models.DefenceCommand, error) {
	for _, c := range f.cmds {
		if c.ID.String() == id {
			return c, nil
		}
	}
	if len(id) != 36 {
		return nil, storage.ErrInvalidData
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) ListDefenceCommands(ctx context.Context, filters storage.CommandFilters, limit, offset int) ([]*models.DefenceCommand, int64, error) {
	f.filters = filters
	return f.cmds, int64(len(f.cmds)), nil
}

type testEnv struct {
	server  *RESTServer
	service *fakeService
	store   *fakeStore
	token   string
}

func newTestEnv(t *testing.T, withStore bool) *testEnv {
	t.Helper()

	hash, err := crypto.HashPassword("secret")
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{Name: "cas-bridge", Version: "test"},
		CAS:    config.CASConfig{DialTimeout: time.Second, ReadTimeout: time.Second},
		JWT:    config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour},
		Users:  []config.UserConfig{{Username: "admin", PasswordHash: hash}},
	}

	env := &testEnv{service: &fakeService{}}
	if withStore {
		env.store = &fakeStore{}
		env.server = NewRESTServer(cfg, env.service, env.store)
	} else {
		env.server = NewRESTServer(cfg, env.service, nil)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"secret"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	env.token = login.AccessToken
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"admin"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCurrentUser(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/v1/users/me", "", env.token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", decode(t, rec)["username"])
}

func TestSetDefenceRequiresAuth(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/123456789/defence", `{"enable":1}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/devices/123456789/defence", `{"enable":1}`, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSetDefence(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/123456789/defence", `{"enable":1}`, env.token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	assert.Equal(t, "123456789", env.service.got.Serial)
	assert.Equal(t, 1, env.service.got.Enable)
	assert.Equal(t, models.SourceAPI, env.service.got.Source)
	assert.Equal(t, "admin", env.service.got.RequestedBy)
}

func TestSetDefenceBadBody(t *testing.T) {
	env := newTestEnv(t, false)

	for _, body := range []string{`{`, `{}`, `{"enable":3}`} {
		rec := env.do(t, http.MethodPost, "/api/v1/devices/123456789/defence", body, env.token)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestSetDefenceErrorStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusBadGateway:     &cas.OpError{State: cas.StateNegotiating, Err: cas.ErrInvalidHost},
		http.StatusGatewayTimeout: &cas.OpError{State: cas.StateSending, Err: cas.ErrTransportTimeout},
	}

	for want, err := range cases {
		env := newTestEnv(t, false)
		env.service.err = err

		rec := env.do(t, http.MethodPost, "/api/v1/devices/123456789/defence", `{"enable":0}`, env.token)
		assert.Equal(t, want, rec.Code)

		body := decode(t, rec)
		assert.NotEmpty(t, body["error"])
		assert.NotNil(t, body["command"])
	}

	env := newTestEnv(t, false)
	env.service.err = &cas.OpError{Err: cas.ErrProtocolDecode}
	rec := env.do(t, http.MethodPost, "/api/v1/devices/123456789/defence", `{"enable":0}`, env.token)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "protocol", decode(t, rec)["kind"])
}

func TestListDeviceCommands(t *testing.T) {
	env := newTestEnv(t, true)
	cmd := &models.DefenceCommand{DeviceSerial: "123456789", Enable: 1, Success: true, Source: models.SourceCLI}
	cmd.Touch()
	env.store.cmds = []*models.DefenceCommand{cmd}

	rec := env.do(t, http.MethodGet, "/api/v1/devices/123456789/commands?limit=5", "", env.token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "123456789", env.store.filters.DeviceSerial)

	body := decode(t, rec)
	assert.EqualValues(t, 1, body["total"])
	assert.Len(t, body["commands"], 1)

	rec = env.do(t, http.MethodGet, "/api/v1/commands/"+cmd.ID.String(), "", env.token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/commands/00000000-0000-0000-0000-000000000001", "", env.token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/commands/nope", "", env.token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCommandsFilters(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodGet, "/api/v1/commands?source=nats&success=false", "", env.token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.store.filters.Source)
	assert.Equal(t, models.SourceNATS, *env.store.filters.Source)
	require.NotNil(t, env.store.filters.Success)
	assert.False(t, *env.store.filters.Success)
	assert.Equal(t, []interface{}{}, decode(t, rec)["commands"])

	rec = env.do(t, http.MethodGet, "/api/v1/commands?success=maybe", "", env.token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandsWithoutStore(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/123456789/commands", "", env.token)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

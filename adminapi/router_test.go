package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
)

type fakeControlPlane struct {
	broadcastKey   string
	broadcastValue string
	broadcastErr   error

	disconnectedID string
	disconnectErr  error

	queriedID   string
	queriedKeys []string
	getConfErr  error

	remoteStartIDTag     string
	remoteStartConnector *int
	remoteStartErr       error
}

func (f *fakeControlPlane) ChangeConfigurationAll(_ context.Context, key, value string) error {
	f.broadcastKey, f.broadcastValue = key, value
	return f.broadcastErr
}

func (f *fakeControlPlane) Disconnect(chargePointID string) error {
	f.disconnectedID = chargePointID
	return f.disconnectErr
}

func (f *fakeControlPlane) GetConfiguration(_ context.Context, chargePointID string, keys []string) (*protocol.GetConfigurationConfirmation, error) {
	f.queriedID, f.queriedKeys = chargePointID, keys
	if f.getConfErr != nil {
		return nil, f.getConfErr
	}
	value := "30"
	return &protocol.GetConfigurationConfirmation{
		ConfigurationKey: []protocol.KeyValue{{Key: "HeartbeatInterval", Value: &value}},
	}, nil
}

func (f *fakeControlPlane) RemoteStartTransaction(_ context.Context, chargePointID, idTag string, connectorID *int) (*protocol.RemoteStartTransactionConfirmation, error) {
	f.queriedID, f.remoteStartIDTag, f.remoteStartConnector = chargePointID, idTag, connectorID
	if f.remoteStartErr != nil {
		return nil, f.remoteStartErr
	}
	return &protocol.RemoteStartTransactionConfirmation{Status: protocol.RemoteStartStopAccepted}, nil
}

func perform(t *testing.T, cp ControlPlane, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	router := NewRouter(cp, pkg.NopLogger)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	w := perform(t, &fakeControlPlane{}, http.MethodGet, "/ping", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "pong" {
		t.Fatalf("body = %q, want pong", w.Body.String())
	}
}

func TestMetricsExposed(t *testing.T) {
	w := perform(t, &fakeControlPlane{}, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestChangeConfigurationAllRoute(t *testing.T) {
	fake := &fakeControlPlane{}
	w := perform(t, fake, http.MethodPost, "/", `{"key":"LightIntensity","value":"50"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if fake.broadcastKey != "LightIntensity" || fake.broadcastValue != "50" {
		t.Fatalf("broadcast saw %s=%s, want LightIntensity=50", fake.broadcastKey, fake.broadcastValue)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", resp["status"])
	}
}

func TestChangeConfigurationAllPartial(t *testing.T) {
	fake := &fakeControlPlane{broadcastErr: pkg.ErrCallTimeout}
	w := perform(t, fake, http.MethodPost, "/", `{"key":"k","value":"v"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a best-effort broadcast", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "partial" {
		t.Fatalf("status field = %q, want partial", resp["status"])
	}
}

func TestChangeConfigurationAllBadBody(t *testing.T) {
	w := perform(t, &fakeControlPlane{}, http.MethodPost, "/", `{"key":"only"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDisconnectRoute(t *testing.T) {
	fake := &fakeControlPlane{}
	w := perform(t, fake, http.MethodPost, "/disconnect", `{"id":"CP1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if fake.disconnectedID != "CP1" {
		t.Fatalf("disconnected %q, want CP1", fake.disconnectedID)
	}
}

func TestDisconnectNotConnected(t *testing.T) {
	fake := &fakeControlPlane{disconnectErr: pkg.ErrNotConnected}
	w := perform(t, fake, http.MethodPost, "/disconnect", `{"id":"ghost"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestDisconnectBadBody(t *testing.T) {
	w := perform(t, &fakeControlPlane{}, http.MethodPost, "/disconnect", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetConfigurationRoute(t *testing.T) {
	fake := &fakeControlPlane{}
	w := perform(t, fake, http.MethodGet, "/cp/CP1/configuration?key=HeartbeatInterval&key=LightIntensity", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if fake.queriedID != "CP1" {
		t.Fatalf("queried %q, want CP1", fake.queriedID)
	}
	if len(fake.queriedKeys) != 2 || fake.queriedKeys[0] != "HeartbeatInterval" {
		t.Fatalf("queried keys = %v, want the two query parameters", fake.queriedKeys)
	}

	var conf protocol.GetConfigurationConfirmation
	if err := json.Unmarshal(w.Body.Bytes(), &conf); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(conf.ConfigurationKey) != 1 || conf.ConfigurationKey[0].Key != "HeartbeatInterval" {
		t.Fatalf("configuration = %+v, want HeartbeatInterval entry", conf)
	}
}

func TestRemoteStartRoute(t *testing.T) {
	fake := &fakeControlPlane{}
	w := perform(t, fake, http.MethodPost, "/cp/CP1/remotestart", `{"idTag":"TAG-1","connectorId":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if fake.remoteStartIDTag != "TAG-1" {
		t.Fatalf("idTag = %q, want TAG-1", fake.remoteStartIDTag)
	}
	if fake.remoteStartConnector == nil || *fake.remoteStartConnector != 2 {
		t.Fatalf("connector = %v, want 2", fake.remoteStartConnector)
	}
}

func TestRemoteStartBadBody(t *testing.T) {
	w := perform(t, &fakeControlPlane{}, http.MethodPost, "/cp/CP1/remotestart", `{"connectorId":2}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

// Error kinds map onto distinct statuses so an operator can tell a missing
// charge point from a slow one.
func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "not connected", err: pkg.ErrNotConnected, wantStatus: http.StatusNotFound},
		{name: "call timeout", err: pkg.ErrCallTimeout, wantStatus: http.StatusGatewayTimeout},
		{name: "session closed", err: pkg.ErrSessionClosed, wantStatus: http.StatusConflict},
		{name: "other", err: context.Canceled, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeControlPlane{getConfErr: tt.err}
			w := perform(t, fake, http.MethodGet, "/cp/CP1/configuration", "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/iani/tryon/pkg/calibration"
	"github.com/iani/tryon/pkg/channel"
	"github.com/iani/tryon/pkg/settings"
)

type testEnv struct {
	srv  *Server
	svc  *settings.Service
	bus  *channel.Memory
	ctrl *calibration.Controller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	svc := settings.NewService(settings.NewMemoryRepository())
	bus := channel.NewMemory()
	ctrl := calibration.NewController(svc, bus)

	srv, err := New(WithSettings(svc), WithController(ctrl), WithBus(bus))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctrl.Close()
		bus.Close()
	})
	return &testEnv{srv: srv, svc: svc, bus: bus, ctrl: ctrl}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := jsoniter.Unmarshal(data, v); err != nil {
		t.Fatalf("bad JSON %s: %v", data, err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(); err == nil {
		t.Error("expected error without dependencies")
	}
	if _, err := New(WithAddr("not an address")); err == nil {
		t.Error("expected error for bad address")
	}
	if _, err := New(WithRequestTimeout(0)); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func TestHealthAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get(RequestIDKey) == "" {
		t.Error("no request id assigned")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDKey, "abc-123")
	resp, err := env.srv.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Header.Get(RequestIDKey); got != "abc-123" {
		t.Errorf("request id = %q, want caller's", got)
	}
}

func TestSettings_GetDefault(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet, "/api/v1/products/p1/try-on", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var cs settings.CalibrationSettings
	decode(t, data, &cs)
	if !cs.Equal(settings.Neutral()) {
		t.Errorf("unknown product = %+v, want neutral", cs)
	}
}

func TestSettings_Update(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		status   int
		wantCode string
	}{
		{"valid", `{"tryOnEnabled":true,"tryOnType":"glasses","tryOnOffsetY":12,"tryOnScale":1.3}`, http.StatusOK, ""},
		{"disabled resets", `{"tryOnEnabled":false,"tryOnType":"hat","tryOnOffsetY":30,"tryOnScale":1.8}`, http.StatusOK, ""},
		{"scale too big", `{"tryOnEnabled":true,"tryOnType":"hat","tryOnScale":2.5}`, http.StatusUnprocessableEntity, "OUT_OF_RANGE"},
		{"offset too small", `{"tryOnEnabled":true,"tryOnType":"hat","tryOnOffsetY":-51}`, http.StatusUnprocessableEntity, "OUT_OF_RANGE"},
		{"missing type", `{"tryOnEnabled":true}`, http.StatusUnprocessableEntity, "TYPE_REQUIRED"},
		{"unknown type", `{"tryOnEnabled":true,"tryOnType":"scarf"}`, http.StatusUnprocessableEntity, "INVALID_TYPE"},
		{"missing enabled", `{"tryOnType":"hat"}`, http.StatusBadRequest, ""},
		{"malformed", `{"tryOnEnabled":`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp, data := env.do(t, http.MethodPut, "/api/v1/products/p1/try-on", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, data)
			}
			if tt.status != http.StatusOK {
				var er ErrorResponse
				decode(t, data, &er)
				if er.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", er.Code, tt.wantCode)
				}
				if _, err := env.svc.GetTryOnSettings(context.Background(), "p1"); err == nil {
					t.Error("rejected settings were stored")
				}
			}
		})
	}
}

func TestSettings_RoundTripAndReset(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPut, "/api/v1/products/p1/try-on", `{"tryOnEnabled":true,"tryOnType":"Earrings","tryOnOffsetY":12,"tryOnScale":1.3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: %d %s", resp.StatusCode, data)
	}

	_, data = env.do(t, http.MethodGet, "/api/v1/products/p1/try-on", "")
	var cs settings.CalibrationSettings
	decode(t, data, &cs)
	if cs.Type() != settings.Earrings || cs.TryOnOffsetY != 12 || cs.TryOnScale != 1.3 {
		t.Errorf("read back %+v", cs)
	}

	_, data = env.do(t, http.MethodGet, "/api/v1/products", "")
	var list struct {
		Products []string `json:"products"`
	}
	decode(t, data, &list)
	if len(list.Products) != 1 || list.Products[0] != "p1" {
		t.Errorf("products = %v", list.Products)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/products/p1/try-on", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("reset status = %d", resp.StatusCode)
	}
	_, data = env.do(t, http.MethodGet, "/api/v1/products/p1/try-on", "")
	decode(t, data, &cs)
	if !cs.Equal(settings.Neutral()) {
		t.Errorf("after reset = %+v", cs)
	}
}

func launch(t *testing.T, env *testEnv, product string) LaunchResponse {
	t.Helper()
	resp, data := env.do(t, http.MethodPost, "/api/v1/products/"+product+"/calibration", `{"modelUrl":"models/glasses.glb"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("launch status = %d: %s", resp.StatusCode, data)
	}
	var lr LaunchResponse
	decode(t, data, &lr)
	return lr
}

func TestCalibration_LaunchStatusClose(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/api/v1/products/p1/calibration", `{"modelUrl":"m.glb"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("launch for disabled product = %d: %s", resp.StatusCode, data)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/v1/products/p1/calibration", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("launch without model = %d", resp.StatusCode)
	}

	env.do(t, http.MethodPut, "/api/v1/products/p1/try-on", `{"tryOnEnabled":true,"tryOnType":"glasses"}`)
	lr := launch(t, env, "p1")
	if lr.SessionID == "" || lr.Handshake.ProductID != "p1" || lr.Handshake.ModelURL != "models/glasses.glb" {
		t.Errorf("unexpected launch response: %+v", lr)
	}
	if lr.Socket != "/api/v1/calibration/"+lr.SessionID+"/ws" {
		t.Errorf("socket = %q", lr.Socket)
	}

	resp, data = env.do(t, http.MethodGet, "/api/v1/calibration/"+lr.SessionID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var st StatusResponse
	decode(t, data, &st)
	if st.ProductID != "p1" || st.Event != "" {
		t.Errorf("initial status = %+v", st)
	}

	// A save arriving on the bus shows up in the status.
	env.bus.Publish(context.Background(), channel.Topic(lr.SessionID), channel.Saved(lr.SessionID, 12, 1.3))
	deadline := time.Now().Add(2 * time.Second)
	for st.Event != calibration.EventSaved && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		_, data = env.do(t, http.MethodGet, "/api/v1/calibration/"+lr.SessionID, "")
		decode(t, data, &st)
	}
	if st.Event != calibration.EventSaved || st.Settings == nil || st.Settings.TryOnScale != 1.3 || st.Error != "" {
		t.Errorf("status after save = %+v", st)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/calibration/"+lr.SessionID, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("close status = %d", resp.StatusCode)
	}
	resp, data = env.do(t, http.MethodDelete, "/api/v1/calibration/"+lr.SessionID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second close = %d", resp.StatusCode)
	}
	var er ErrorResponse
	decode(t, data, &er)
	if er.Code != "UNKNOWN_SESSION" || er.RequestID == "" {
		t.Errorf("error body = %+v", er)
	}
}

func TestCalibration_WebSocketRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/api/v1/products/p1/try-on", `{"tryOnEnabled":true,"tryOnType":"glasses"}`)
	lr := launch(t, env, "p1")

	resp, _ := env.do(t, http.MethodGet, "/api/v1/calibration/"+lr.SessionID+"/ws", "")
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("plain GET on socket = %d", resp.StatusCode)
	}
}

// TestCalibration_PreviewOverWebSocket runs the whole out-of-process flow:
// a preview dials the bridge, gets its handshake and saves.
func TestCalibration_PreviewOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/api/v1/products/p1/try-on", `{"tryOnEnabled":true,"tryOnType":"hat","tryOnOffsetY":-3,"tryOnScale":1.1}`)
	lr := launch(t, env, "p1")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go env.srv.Serve(ln)
	defer env.srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := channel.DialWebSocket(ctx, "ws://"+ln.Addr().String()+lr.Socket, lr.SessionID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	hs, err := calibration.AwaitHandshake(ctx, ws, lr.SessionID)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if hs.ProductID != "p1" || *hs.TryOnType != settings.Hat || hs.OffsetY != -3 || hs.Scale != 1.1 {
		t.Errorf("handshake = %+v", hs)
	}

	sub, err := ws.Subscribe(ctx, channel.Topic(lr.SessionID))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if err := ws.Publish(ctx, channel.Topic(lr.SessionID), channel.Saved(lr.SessionID, 12, 1.3)); err != nil {
		t.Fatal(err)
	}

	for {
		select {
		case m := <-sub.C:
			if m.Type != channel.CalibrationResult {
				continue
			}
			if m.Error != "" {
				t.Fatalf("save failed: %s", m.Error)
			}
			cs, err := env.svc.GetTryOnSettings(context.Background(), "p1")
			if err != nil {
				t.Fatal(err)
			}
			if cs.TryOnOffsetY != 12 || cs.TryOnScale != 1.3 || cs.Type() != settings.Hat {
				t.Errorf("stored %+v", cs)
			}
			return
		case <-ctx.Done():
			t.Fatal("no calibration result")
		}
	}
}

func TestCalibration_WebSocketUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go env.srv.Serve(ln)
	defer env.srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := channel.DialWebSocket(ctx, "ws://"+ln.Addr().String()+"/api/v1/calibration/nope/ws", "nope"); err == nil {
		t.Error("dial to unknown session succeeded")
	}
}

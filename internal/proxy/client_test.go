package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/reeflab/plateflow/internal/model"
	"github.com/reeflab/plateflow/internal/state"
)

// gatewayStub fakes the device gateway: it hands out sessions and answers
// service method calls.
type gatewayStub struct {
	mu       sync.Mutex
	sessions int
	calls    []string
	fail     map[string]bool // method -> return 500
	lastAuth string
}

func (g *gatewayStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.lastAuth = r.Header.Get("Authorization")
		g.mu.Unlock()

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/services/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		service, method := parts[0], parts[1]

		g.mu.Lock()
		g.calls = append(g.calls, service+"."+method)
		shouldFail := g.fail[method]
		g.mu.Unlock()

		if shouldFail {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "device fault"})
			return
		}

		switch method {
		case "session":
			g.mu.Lock()
			g.sessions++
			n := g.sessions
			g.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"session_id": fmt.Sprintf("s-%d", n)})
			return
		case "ping":
			json.NewEncoder(w).Encode(map[string]string{"result": "pong"})
		case "get_sample_location":
			json.NewEncoder(w).Encode(map[string]string{"result": "incubator_slot"})
		case "get_well_plate_type":
			json.NewEncoder(w).Encode(map[string]string{"result": "96-well"})
		case "scan_get_status":
			json.NewEncoder(w).Encode(map[string]any{"status": "running", "progress": 42})
		default:
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}
	})
}

func (g *gatewayStub) calledMethods() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func newStubManager(t *testing.T, g *gatewayStub) (*Manager, *state.Runtime) {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	rt := state.NewRuntime()
	cfg := model.DevicesConfig{
		BaseURL:      srv.URL,
		Token:        "test-token",
		IncubatorID:  "incubator-control",
		RoboticArmID: "robotic-arm-control",
	}
	return NewManager(cfg, rt, zerolog.Nop()), rt
}

func TestAcquireSessionAndCall(t *testing.T) {
	g := &gatewayStub{}
	srv := httptest.NewServer(g.handler())
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Token: "secret"})
	session, err := c.AcquireSession(context.Background(), "incubator-control")
	if err != nil {
		t.Fatalf("acquire session: %v", err)
	}
	if session == "" {
		t.Fatal("empty session id")
	}
	if got := g.lastAuth; got != "Bearer secret" {
		t.Errorf("auth header = %q", got)
	}

	var out pongResponse
	if err := c.Call(context.Background(), "incubator-control", session, "ping", nil, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Result != "pong" {
		t.Errorf("result = %q", out.Result)
	}
}

func TestCallErrorEnvelope(t *testing.T) {
	g := &gatewayStub{fail: map[string]bool{"home_stage": true}}
	srv := httptest.NewServer(g.handler())
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	err := c.Call(context.Background(), "microscope-control-squid-1", "s1", "home_stage", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "device fault") {
		t.Errorf("error %q should carry the gateway message", err)
	}
}

func TestManagerEstablishesHandlesLazily(t *testing.T) {
	g := &gatewayStub{}
	m, _ := newStubManager(t, g)

	inc, err := m.Incubator(context.Background())
	if err != nil {
		t.Fatalf("incubator: %v", err)
	}
	if err := inc.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	loc, err := inc.GetSampleLocation(context.Background(), 3)
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	if loc != LocationIncubatorSlot {
		t.Errorf("location = %q", loc)
	}

	// A second accessor call reuses the handle, no extra session.
	if _, err := m.Incubator(context.Background()); err != nil {
		t.Fatalf("second incubator: %v", err)
	}
	sessions := 0
	for _, call := range g.calledMethods() {
		if strings.HasSuffix(call, ".session") {
			sessions++
		}
	}
	if sessions != 1 {
		t.Errorf("sessions = %d, want 1", sessions)
	}
}

func TestManagerRefreshReplacesSession(t *testing.T) {
	g := &gatewayStub{}
	m, _ := newStubManager(t, g)

	if _, err := m.Arm(context.Background()); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := m.Refresh(context.Background(), KindRoboticArm, ""); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	sessions := 0
	for _, call := range g.calledMethods() {
		if call == "robotic-arm-control.session" {
			sessions++
		}
	}
	if sessions != 2 {
		t.Errorf("sessions = %d, want 2 after refresh", sessions)
	}
}

func TestManagerRefreshResetsMicroscopeFlag(t *testing.T) {
	g := &gatewayStub{}
	m, rt := newStubManager(t, g)

	const micID = "microscope-control-squid-1"
	if _, err := m.Microscope(context.Background(), micID); err != nil {
		t.Fatalf("microscope: %v", err)
	}
	rt.SetSampleOn(micID, true)

	if err := m.Refresh(context.Background(), KindMicroscope, micID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rt.SampleOn(micID) {
		t.Error("refresh must reset the sample-present flag for a fresh microscope handle")
	}
}

func TestMicroscopeLocation(t *testing.T) {
	if got := MicroscopeLocation(2); got != "microscope2" {
		t.Errorf("MicroscopeLocation(2) = %q", got)
	}
}

package octoprint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func collectPairingEvents() (func(PairingEvent), func() []PairingEvent) {
	var mu sync.Mutex
	var events []PairingEvent
	record := func(e PairingEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	snapshot := func() []PairingEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]PairingEvent(nil), events...)
	}
	return record, snapshot
}

func waitForState(t *testing.T, flow *AuthFlow, want PairingState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if flow.State() == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pairing state = %v, want %v", flow.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name   string
		status int
		want   bool
	}{
		{"supported", 204, true},
		{"absent plugin", 404, false},
		{"unexpected status", 500, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/plugin/appkeys/probe" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			flow := NewAuthFlow("inst", server.URL+"/", "", "test-agent", nil)
			got, err := flow.Probe(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Probe = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestKeyGranted(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	polls := 0
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/plugin/appkeys/request" && r.Method == "POST":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["app"] != "TestApp" {
				t.Errorf("app name = %q, want TestApp", body["app"])
			}
			w.Header().Set("Location", server.URL+"/plugin/appkeys/request/tok123")
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/plugin/appkeys/request/tok123" && r.Method == "GET":
			mu.Lock()
			polls++
			ready := polls > 2
			mu.Unlock()
			if !ready {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"api_key": "SECRETKEY"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	record, snapshot := collectPairingEvents()
	flow := NewAuthFlow("inst", server.URL+"/", "", "test-agent", record)

	flow.RequestKey("TestApp")
	waitForState(t, flow, PairingGranted)

	var granted *PairingEvent
	for _, event := range snapshot() {
		if event.State == PairingGranted {
			granted = &event
			break
		}
	}
	if granted == nil || granted.APIKey != "SECRETKEY" {
		t.Fatalf("no grant with key in events: %v", snapshot())
	}
	mu.Lock()
	defer mu.Unlock()
	if polls < 3 {
		t.Errorf("polls = %d, want at least 3", polls)
	}
}

func TestRequestKeyDenied(t *testing.T) {
	t.Parallel()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			w.Header().Set("Location", server.URL+"/plugin/appkeys/request/tok")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	flow := NewAuthFlow("inst", server.URL+"/", "", "test-agent", nil)
	flow.RequestKey("TestApp")
	waitForState(t, flow, PairingDenied)
}

func TestRequestKeyUnsupported(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	flow := NewAuthFlow("inst", server.URL+"/", "", "test-agent", nil)
	flow.RequestKey("TestApp")
	waitForState(t, flow, PairingUnsupported)
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			w.Header().Set("Location", "http://"+r.Host+"/plugin/appkeys/request/tok")
			w.WriteHeader(http.StatusCreated)
			return
		}
		// Never resolves; the user is still thinking.
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	flow := NewAuthFlow("inst", server.URL+"/", "", "test-agent", nil)

	// Canceling a never-started flow is a no-op.
	flow.Cancel()

	flow.RequestKey("TestApp")
	waitForState(t, flow, PairingPolling)
	flow.Cancel()
	flow.Cancel()
}

func TestVerifyKey(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name          string
		status        int
		body          string
		wantReachable bool
		wantAccepted  bool
		wantSD        bool
	}{
		{"accepted with capabilities", 200, `{"feature":{"sdSupport":true}}`, true, true, true},
		{"rejected", 401, "", true, false, false},
		{"server down is not a rejection", 503, "", false, false, false},
		{"gateway down is not a rejection", 502, "", false, false, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("X-Api-Key"); got != "candidate" {
					t.Errorf("key header = %q, want candidate", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			flow := NewAuthFlow("inst", server.URL+"/", "", "test-agent", nil)
			result := flow.VerifyKey(context.Background(), "candidate")
			if result.Reachable != tt.wantReachable || result.Accepted != tt.wantAccepted || result.SDSupported != tt.wantSD {
				t.Errorf("VerifyKey = %+v", result)
			}
		})
	}
}

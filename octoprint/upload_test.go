package octoprint

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// uploadTestServer serves a minimal instance whose printer state and
// settings are configurable, and records what the upload endpoint received.
type uploadTestServer struct {
	*httptest.Server

	mu             sync.Mutex
	printerFlags   map[string]bool
	settingsBody   map[string]interface{}
	analysisReady  bool
	uploadedFields map[string]string
	uploadedName   string
	selectCommands []map[string]interface{}
}

func newUploadTestServer(t *testing.T) *uploadTestServer {
	t.Helper()
	s := &uploadTestServer{
		printerFlags: map[string]bool{"operational": true},
		settingsBody: map[string]interface{}{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *uploadTestServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.URL.Path == "/api/printer":
		json.NewEncoder(w).Encode(map[string]interface{}{
			"temperature": map[string]interface{}{
				"tool0": map[string]float64{"actual": 21, "target": 0},
			},
			"state": map[string]interface{}{"flags": s.printerFlags},
		})
	case r.URL.Path == "/api/job":
		json.NewEncoder(w).Encode(map[string]interface{}{"state": "Operational"})
	case r.URL.Path == "/api/settings":
		json.NewEncoder(w).Encode(s.settingsBody)
	case r.URL.Path == "/api/files/local" && r.Method == "POST":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.uploadedFields = make(map[string]string)
		for key, values := range r.MultipartForm.Value {
			s.uploadedFields[key] = values[0]
		}
		if files := r.MultipartForm.File["file"]; len(files) > 0 {
			s.uploadedName = files[0].Filename
		}
		w.Header().Set("Location", s.URL+"/api/files/local/"+s.uploadedName)
		w.WriteHeader(http.StatusCreated)
	case r.URL.Path == "/api/files/local/"+s.uploadedName && r.Method == "GET":
		body := map[string]interface{}{"name": s.uploadedName}
		if s.analysisReady {
			body["gcodeAnalysis"] = map[string]interface{}{"progress": 0.4}
		}
		json.NewEncoder(w).Encode(body)
	case r.URL.Path == "/api/files/local/"+s.uploadedName && r.Method == "POST":
		var command map[string]interface{}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &command)
		s.selectCommands = append(s.selectCommands, command)
		w.WriteHeader(http.StatusNoContent)
	default:
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}
}

func (s *uploadTestServer) snapshot() (fields map[string]string, name string, commands []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields = make(map[string]string, len(s.uploadedFields))
	for k, v := range s.uploadedFields {
		fields[k] = v
	}
	return fields, s.uploadedName, append([]map[string]interface{}(nil), s.selectCommands...)
}

// connectForUpload connects a client against the server and waits until the
// printer view reports the wanted state.
func connectForUpload(t *testing.T, server *uploadTestServer, prefs Preferences, wantState string) (*DeviceClient, chan error) {
	t.Helper()

	client := testClient(t, server.Server)
	client.SetPreferences(prefs)

	stateReached := make(chan struct{}, 1)
	done := make(chan error, 1)
	client.SetCallbacks(&Callbacks{
		PrinterUpdated: func(id string, view PrinterView) {
			if view.State == wantState {
				select {
				case stateReached <- struct{}{}:
				default:
				}
			}
		},
		UploadDone: func(id string, err error) {
			done <- err
		},
	})

	client.Connect()
	t.Cleanup(client.Close)

	select {
	case <-stateReached:
	case <-time.After(5 * time.Second):
		t.Fatalf("printer never reported %s", wantState)
	}
	// The settings response races the printer status; give it a moment so
	// capabilities are in place before the write starts.
	time.Sleep(200 * time.Millisecond)

	return client, done
}

func waitUploadDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("upload never finished")
		return nil
	}
}

func TestUploadInlinePrint(t *testing.T) {
	server := newUploadTestServer(t)
	defer server.Close()

	prefs := Preferences{AutoPrint: true, AutoSelect: true}
	client, done := connectForUpload(t, server, prefs, PrinterIdle)

	if err := client.RequestWrite([]byte("G28\nG1 X10\n"), "benchy", false); err != nil {
		t.Fatal(err)
	}
	if err := waitUploadDone(t, done); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	fields, name, commands := server.snapshot()
	if name != "benchy.gcode" {
		t.Errorf("uploaded name = %q, want benchy.gcode", name)
	}
	if fields["select"] != "true" || fields["print"] != "true" {
		t.Errorf("upload fields = %v, want select and print true", fields)
	}
	if len(commands) != 0 {
		t.Errorf("no follow-up command expected, got %v", commands)
	}
}

func TestUploadUFPNaming(t *testing.T) {
	server := newUploadTestServer(t)
	defer server.Close()
	server.mu.Lock()
	server.settingsBody = map[string]interface{}{
		"plugins": map[string]interface{}{
			"UltimakerFormatPackage": map[string]interface{}{
				"installed": true, "installed_version": "0.2.2",
			},
		},
	}
	server.mu.Unlock()

	prefs := Preferences{AutoPrint: true, TransferUFP: true}
	client, done := connectForUpload(t, server, prefs, PrinterIdle)

	if err := client.RequestWrite([]byte("ufp-bytes"), "benchy", false); err != nil {
		t.Fatal(err)
	}
	if err := waitUploadDone(t, done); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if _, name, _ := server.snapshot(); name != "benchy.ufp" {
		t.Errorf("uploaded name = %q, want benchy.ufp", name)
	}

	// Pre-sliced jobs pass through as raw G-code even with the container
	// transfer available.
	if err := client.RequestWrite([]byte("G28\n"), "sliced-elsewhere", true); err != nil {
		t.Fatal(err)
	}
	if err := waitUploadDone(t, done); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if _, name, _ := server.snapshot(); name != "sliced-elsewhere.gcode" {
		t.Errorf("uploaded name = %q, want sliced-elsewhere.gcode", name)
	}
}

func TestUploadBusyPrinterQueuesInsteadOfPrinting(t *testing.T) {
	server := newUploadTestServer(t)
	defer server.Close()
	server.mu.Lock()
	server.printerFlags = map[string]bool{"printing": true, "operational": true}
	server.mu.Unlock()

	prefs := Preferences{AutoPrint: true}
	client, done := connectForUpload(t, server, prefs, PrinterPrinting)

	if err := client.RequestWrite([]byte("G28\n"), "queued-job", false); err != nil {
		t.Fatal(err)
	}
	if err := waitUploadDone(t, done); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	fields, _, commands := server.snapshot()
	if _, ok := fields["print"]; ok {
		t.Errorf("queued upload must not carry a print field, got %v", fields)
	}
	if len(commands) != 0 {
		t.Errorf("queued upload must not send a select command, got %v", commands)
	}
}

func TestUploadWaitsForAnalysisBeforePrinting(t *testing.T) {
	server := newUploadTestServer(t)
	defer server.Close()
	server.mu.Lock()
	server.settingsBody = map[string]interface{}{
		"gcodeAnalysis": map[string]interface{}{"runAt": "idle"},
	}
	server.mu.Unlock()

	prefs := Preferences{AutoPrint: true}
	client, done := connectForUpload(t, server, prefs, PrinterIdle)

	if err := client.RequestWrite([]byte("G28\n"), "analyzed-job", false); err != nil {
		t.Fatal(err)
	}

	// While the analysis wait is pending a second write must be refused.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := client.RequestWrite([]byte("G28\n"), "second-job", false)
		if err == ErrWriteInProgress {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second write was not refused, err = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	fields, _, commands := server.snapshot()
	if len(fields) != 0 {
		t.Errorf("analysis-wait upload must not carry select/print fields, got %v", fields)
	}
	if len(commands) != 0 {
		t.Fatalf("print command sent before analysis completed: %v", commands)
	}

	server.mu.Lock()
	server.analysisReady = true
	server.mu.Unlock()

	if err := waitUploadDone(t, done); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	_, _, commands = server.snapshot()
	if len(commands) != 1 {
		t.Fatalf("select commands = %d, want 1 (%v)", len(commands), commands)
	}
	if commands[0]["command"] != "select" || commands[0]["print"] != true {
		t.Errorf("unexpected follow-up command: %v", commands[0])
	}
}

func TestCancelWriteDuringAnalysisWait(t *testing.T) {
	server := newUploadTestServer(t)
	defer server.Close()
	server.mu.Lock()
	server.settingsBody = map[string]interface{}{
		"gcodeAnalysis": map[string]interface{}{"runAt": "idle"},
	}
	server.mu.Unlock()

	prefs := Preferences{AutoPrint: true}
	client, done := connectForUpload(t, server, prefs, PrinterIdle)

	if err := client.RequestWrite([]byte("G28\n"), "canceled-job", false); err != nil {
		t.Fatal(err)
	}

	// Wait for the transfer itself to complete, then cancel the wait.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, name, _ := server.snapshot(); name != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("upload never reached the server")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	client.CancelWrite()

	if err := waitUploadDone(t, done); err != ErrWriteCanceled {
		t.Fatalf("upload outcome = %v, want %v", err, ErrWriteCanceled)
	}

	if _, _, commands := server.snapshot(); len(commands) != 0 {
		t.Errorf("canceled write still sent a command: %v", commands)
	}
}

func TestSanitizeJobName(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"benchy", "benchy"},
		{"benchy.gcode", "benchy"},
		{"benchy.ufp", "benchy"},
		{"two words", "two_words"},
		{"a/b\\c", "a_b_c"},
		{"  ", "untitled"},
	}
	for _, tt := range tests {
		if got := sanitizeJobName(tt.in); got != tt.want {
			t.Errorf("sanitizeJobName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPowerOnWaitExpiresWhilePrinterStaysOffline(t *testing.T) {
	t.Parallel()

	client := NewDeviceClient("test", "127.0.0.1", 80, "/", false, nil)
	client.pollEndpoints = map[RequestKind]string{}

	done := make(chan error, 1)
	client.SetCallbacks(&Callbacks{
		UploadDone: func(id string, err error) { done <- err },
	})

	client.uploadActive = true
	client.upload = &uploadSession{
		fileName:          "benchy.gcode",
		waitingForPowerOn: true,
		powerOnDeadline:   time.Now().Add(-time.Minute),
	}

	// A printer that never comes up keeps answering the same way, so the
	// view state never changes and no state-change event fires.
	for i := 0; i < 5; i++ {
		client.handlePrinterStatus(response{kind: KindPrinterStatus, status: 409})
	}
	client.checkPowerOnDeadline()

	if client.upload != nil {
		t.Fatal("upload session survived an expired power-on wait")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("expired power-on wait reported success")
		}
	default:
		t.Error("upload outcome never reported")
	}
}

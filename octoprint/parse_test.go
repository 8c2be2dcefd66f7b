package octoprint

import (
	"encoding/json"
	"testing"
)

func TestDerivePrinterState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		flags map[string]bool
		want  string
	}{
		{"no flags", map[string]bool{}, PrinterOffline},
		{"operational", map[string]bool{"operational": true}, PrinterIdle},
		{"ready", map[string]bool{"ready": true}, PrinterIdle},
		{"printing", map[string]bool{"printing": true, "operational": true}, PrinterPrinting},
		{"paused beats printing", map[string]bool{"printing": true, "paused": true}, PrinterPaused},
		{"pausing", map[string]bool{"pausing": true, "printing": true}, PrinterPaused},
		{"cancelling", map[string]bool{"cancelling": true, "operational": true}, PrinterAborted},
		{"error beats everything", map[string]bool{"error": true, "printing": true, "paused": true}, PrinterError},
		{"closed or error", map[string]bool{"closedOrError": true, "ready": true}, PrinterError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := derivePrinterState(tt.flags); got != tt.want {
				t.Errorf("derivePrinterState(%v) = %q, want %q", tt.flags, got, tt.want)
			}
		})
	}
}

func TestDeriveJobState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"Error: something broke", JobError, true},
		{"Pausing", JobPausing, true},
		{"Paused", JobPaused, true},
		{"Printing", JobPrinting, true},
		{"Printing from SD", JobPrinting, true},
		{"Cancelling", JobAbort, true},
		{"Operational", JobReady, true},
		{"Starting", JobPrePrint, true},
		{"Connecting", JobPrePrint, true},
		{"Offline", JobOffline, true},
		{"Transmogrifying", JobOffline, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := deriveJobState(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("deriveJobState(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCountExtruders(t *testing.T) {
	t.Parallel()

	actual := 210.0
	entry := temperatureEntry{Actual: &actual}

	tests := []struct {
		name  string
		temps map[string]temperatureEntry
		want  int
	}{
		{"empty payload still has one extruder", nil, 1},
		{"bed only", map[string]temperatureEntry{"bed": entry}, 1},
		{"single tool", map[string]temperatureEntry{"tool0": entry}, 1},
		{"two tools", map[string]temperatureEntry{"tool0": entry, "tool1": entry}, 2},
		{"gap stops the probe", map[string]temperatureEntry{"tool0": entry, "tool2": entry}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countExtruders(tt.temps); got != tt.want {
				t.Errorf("countExtruders = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBuildPrinterViewRebuildsOnExtruderCountChange(t *testing.T) {
	t.Parallel()

	previous := PrinterView{
		State:     PrinterIdle,
		Extruders: []ExtruderView{{200, 210}},
	}

	var payload printerStatusPayload
	if err := json.Unmarshal([]byte(`{
		"temperature": {
			"tool0": {"actual": 201.5, "target": 210},
			"tool1": {"actual": 25.0, "target": 0},
			"bed": {"actual": 60.0, "target": 60.0}
		},
		"state": {"flags": {"printing": true}}
	}`), &payload); err != nil {
		t.Fatal(err)
	}

	view := buildPrinterView(previous, payload)
	if len(view.Extruders) != 2 {
		t.Fatalf("extruder count = %d, want 2", len(view.Extruders))
	}
	if view.Extruders[0].ActualTemperature != 201.5 {
		t.Errorf("tool0 actual = %v, want 201.5", view.Extruders[0].ActualTemperature)
	}
	if view.Extruders[1].TargetTemperature != 0 {
		t.Errorf("tool1 target = %v, want 0", view.Extruders[1].TargetTemperature)
	}
	if view.State != PrinterPrinting {
		t.Errorf("state = %q, want %q", view.State, PrinterPrinting)
	}
}

func TestBuildPrinterViewMissingDataUsesSentinel(t *testing.T) {
	t.Parallel()

	previous := PrinterView{
		State:                PrinterIdle,
		Extruders:            []ExtruderView{{200, 210}},
		BedActualTemperature: 60,
		BedTargetTemperature: 60,
	}

	var payload printerStatusPayload
	if err := json.Unmarshal([]byte(`{
		"temperature": {"tool0": {"actual": 199.0}},
		"state": {"flags": {"operational": true}}
	}`), &payload); err != nil {
		t.Fatal(err)
	}

	view := buildPrinterView(previous, payload)
	if view.Extruders[0].TargetTemperature != TemperatureUnknown {
		t.Errorf("missing tool target = %v, want sentinel", view.Extruders[0].TargetTemperature)
	}
	if view.BedActualTemperature != TemperatureUnknown || view.BedTargetTemperature != TemperatureUnknown {
		t.Errorf("missing bed data should force the sentinel, got %v/%v",
			view.BedActualTemperature, view.BedTargetTemperature)
	}
}

func TestDeriveTimeTotal(t *testing.T) {
	t.Parallel()

	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name                            string
		elapsed                         float64
		completion, timeLeft, estimated *float64
		want                            int
	}{
		{"explicit time left wins", 100, f(50), f(400), f(9999), 500},
		{"derived from completion", 300, f(25), nil, f(9999), 1200},
		{"zero completion does not divide", 300, f(0), nil, f(800), 800},
		{"estimate fallback", 0, nil, nil, f(800), 800},
		{"nothing known", 0, nil, nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveTimeTotal(tt.elapsed, tt.completion, tt.timeLeft, tt.estimated)
			if got != tt.want {
				t.Errorf("deriveTimeTotal = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseCapabilities(t *testing.T) {
	t.Parallel()

	t.Run("ufp version gate", func(t *testing.T) {
		for version, want := range map[string]bool{
			"0.2.2": true,
			"1.0.0": true,
			"0.2.1": false,
			"weird": false,
		} {
			var payload settingsPayload
			body := `{"plugins": {"UltimakerFormatPackage": {"installed": true, "installed_version": "` + version + `"}}}`
			if err := json.Unmarshal([]byte(body), &payload); err != nil {
				t.Fatal(err)
			}
			caps := parseCapabilities(Capabilities{}, payload)
			if caps.UFPTransferSupported != want {
				t.Errorf("version %s: UFPTransferSupported = %v, want %v", version, caps.UFPTransferSupported, want)
			}
		}
	})

	t.Run("analysis run mode", func(t *testing.T) {
		tests := []struct {
			runAt        string
			supported    bool
			requiresWait bool
		}{
			{"never", false, false},
			{"", false, false},
			{"idle", true, true},
			{"always", true, false},
		}
		for _, tt := range tests {
			var payload settingsPayload
			payload.GCodeAnalysis.RunAt = tt.runAt
			caps := parseCapabilities(Capabilities{}, payload)
			if caps.GCodeAnalysisSupported != tt.supported || caps.GCodeAnalysisRequiresWait != tt.requiresWait {
				t.Errorf("runAt %q: got %v/%v, want %v/%v", tt.runAt,
					caps.GCodeAnalysisSupported, caps.GCodeAnalysisRequiresWait, tt.supported, tt.requiresWait)
			}
		}
	})

	t.Run("appkeys support carries over", func(t *testing.T) {
		caps := parseCapabilities(Capabilities{AppKeysSupported: true}, settingsPayload{})
		if !caps.AppKeysSupported {
			t.Error("AppKeysSupported was dropped on settings refresh")
		}
	})

	t.Run("sd support", func(t *testing.T) {
		var payload settingsPayload
		if err := json.Unmarshal([]byte(`{"feature": {"sdSupport": true}}`), &payload); err != nil {
			t.Fatal(err)
		}
		if !parseCapabilities(Capabilities{}, payload).SDCardSupported {
			t.Error("SDCardSupported = false, want true")
		}
	})
}

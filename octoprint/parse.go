package octoprint

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// temperatureEntry uses pointer fields so an absent value can be told apart
// from a reported zero.
type temperatureEntry struct {
	Actual *float64 `json:"actual"`
	Target *float64 `json:"target"`
}

type printerStatusPayload struct {
	Temperature map[string]temperatureEntry `json:"temperature"`
	State       struct {
		Text  string          `json:"text"`
		Flags map[string]bool `json:"flags"`
	} `json:"state"`
}

type jobStatusPayload struct {
	Job struct {
		File struct {
			Name *string `json:"name"`
		} `json:"file"`
		EstimatedPrintTime *float64 `json:"estimatedPrintTime"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *float64 `json:"printTime"`
		PrintTimeLeft *float64 `json:"printTimeLeft"`
	} `json:"progress"`
	State *string `json:"state"`
}

// countExtruders probes for sequentially numbered tool entries until one is
// missing. A payload with no tool entries still reports one extruder.
func countExtruders(temperatures map[string]temperatureEntry) int {
	count := 0
	for {
		if _, ok := temperatures[fmt.Sprintf("tool%d", count)]; !ok {
			break
		}
		count++
	}
	if count < 1 {
		count = 1
	}
	return count
}

// derivePrinterState resolves the status flags using a fixed priority order.
// Several flags can be true at once; the order is what makes the result
// deterministic.
func derivePrinterState(flags map[string]bool) string {
	switch {
	case flags["error"] || flags["closedOrError"]:
		return PrinterError
	case flags["paused"] || flags["pausing"]:
		return PrinterPaused
	case flags["printing"]:
		return PrinterPrinting
	case flags["cancelling"]:
		return PrinterAborted
	case flags["ready"] || flags["operational"]:
		return PrinterIdle
	default:
		return PrinterOffline
	}
}

// deriveJobState maps the server's job state string to the internal
// vocabulary. The second return value is false for unrecognized strings.
func deriveJobState(state string) (string, bool) {
	switch {
	case strings.HasPrefix(state, "Error"):
		return JobError, true
	case strings.HasPrefix(state, "Pausing"):
		return JobPausing, true
	case strings.HasPrefix(state, "Paused"):
		return JobPaused, true
	case strings.HasPrefix(state, "Printing"):
		return JobPrinting, true
	case strings.HasPrefix(state, "Cancelling"):
		return JobAbort, true
	case strings.HasPrefix(state, "Operational"):
		return JobReady, true
	case strings.HasPrefix(state, "Starting"), strings.HasPrefix(state, "Connecting"):
		return JobPrePrint, true
	case strings.HasPrefix(state, "Offline"):
		return JobOffline, true
	default:
		return JobOffline, false
	}
}

// deriveTimeTotal estimates the total job duration in seconds. The explicit
// time-left figure wins; otherwise extrapolate from completion; otherwise
// fall back to the pre-slice estimate; otherwise report unknown as zero
// instead of dividing by zero.
func deriveTimeTotal(elapsed float64, completion, printTimeLeft, estimate *float64) int {
	if printTimeLeft != nil {
		return int(elapsed + *printTimeLeft)
	}
	if completion != nil && *completion > 0 {
		return int(elapsed / (*completion / 100))
	}
	if estimate != nil {
		return int(*estimate)
	}
	return 0
}

func temperatureOrUnknown(v *float64) float64 {
	if v == nil {
		return TemperatureUnknown
	}
	return *v
}

// buildPrinterView folds a printer status payload into a view model. The
// extruder count is re-inferred on every payload; when it changes the view
// is rebuilt rather than patched.
func buildPrinterView(previous PrinterView, payload printerStatusPayload) PrinterView {
	view := previous
	view.State = derivePrinterState(payload.State.Flags)

	count := countExtruders(payload.Temperature)
	if count != len(view.Extruders) {
		view.Extruders = make([]ExtruderView, count)
	} else {
		view.Extruders = append([]ExtruderView(nil), view.Extruders...)
	}
	for i := range view.Extruders {
		entry := payload.Temperature[fmt.Sprintf("tool%d", i)]
		view.Extruders[i] = ExtruderView{
			ActualTemperature: temperatureOrUnknown(entry.Actual),
			TargetTemperature: temperatureOrUnknown(entry.Target),
		}
	}

	// Absent bed data forces the sentinel rather than letting a stale
	// reading persist.
	bed := payload.Temperature["bed"]
	view.BedActualTemperature = temperatureOrUnknown(bed.Actual)
	view.BedTargetTemperature = temperatureOrUnknown(bed.Target)

	return view
}

// buildJobView folds a job status payload into a view model.
func buildJobView(previous JobView, payload jobStatusPayload) JobView {
	view := previous

	if payload.State != nil {
		state, ok := deriveJobState(*payload.State)
		if !ok {
			logWarn("Unrecognized job state", "state", *payload.State)
		}
		view.State = state
	}
	if payload.Job.File.Name != nil {
		view.Name = *payload.Job.File.Name
	}

	var elapsed float64
	if payload.Progress.PrintTime != nil {
		elapsed = *payload.Progress.PrintTime
	}
	view.TimeElapsed = int(elapsed)
	view.TimeTotal = deriveTimeTotal(elapsed,
		payload.Progress.Completion,
		payload.Progress.PrintTimeLeft,
		payload.Job.EstimatedPrintTime)

	return view
}

type settingsPayload struct {
	Feature struct {
		SDSupport *bool `json:"sdSupport"`
	} `json:"feature"`
	Webcam        json.RawMessage            `json:"webcam"`
	Plugins       map[string]json.RawMessage `json:"plugins"`
	GCodeAnalysis struct {
		RunAt string `json:"runAt"`
	} `json:"gcodeAnalysis"`
}

// ufpPluginID is the server-side helper that unpacks uploaded UFP containers.
const ufpPluginID = "UltimakerFormatPackage"

// minimumUFPVersion is the first helper release that extracts G-code from an
// uploaded container instead of storing it opaquely.
var minimumUFPVersion = semver.MustParse("0.2.2")

// parseCapabilities derives the capability set from a settings payload.
// AppKeys support is probed separately and carried over from the previous
// capability set.
func parseCapabilities(previous Capabilities, payload settingsPayload) Capabilities {
	caps := Capabilities{AppKeysSupported: previous.AppKeysSupported}

	if payload.Feature.SDSupport != nil {
		caps.SDCardSupported = *payload.Feature.SDSupport
	}

	if raw, ok := payload.Plugins[ufpPluginID]; ok {
		var plugin struct {
			Installed        bool   `json:"installed"`
			InstalledVersion string `json:"installed_version"`
		}
		if err := json.Unmarshal(raw, &plugin); err == nil {
			caps.UFPPluginVersion = plugin.InstalledVersion
			if version, err := semver.NewVersion(plugin.InstalledVersion); err == nil {
				caps.UFPTransferSupported = !version.LessThan(minimumUFPVersion)
			}
		}
	}

	// The analysis step only matters when the server defers it to idle
	// time; then a print started immediately would race the estimate.
	switch payload.GCodeAnalysis.RunAt {
	case "", "never":
	case "idle":
		caps.GCodeAnalysisSupported = true
		caps.GCodeAnalysisRequiresWait = true
	default:
		caps.GCodeAnalysisSupported = true
	}

	return caps
}

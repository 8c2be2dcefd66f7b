package octoprint

// ConnectionState is the transport-level state of a device client.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateConnected
	StateBusy
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Printer states derived from the status flags payload.
const (
	PrinterOffline  = "offline"
	PrinterIdle     = "idle"
	PrinterPrinting = "printing"
	PrinterPaused   = "paused"
	PrinterError    = "error"
	PrinterAborted  = "aborted"
)

// Job states derived from the server-reported state string.
const (
	JobOffline   = "offline"
	JobReady     = "ready"
	JobPrePrint  = "pre_print"
	JobPrinting  = "printing"
	JobPausing   = "pausing"
	JobPaused    = "paused"
	JobAbort     = "abort"
	JobError     = "error"
)

// TemperatureUnknown is reported for any temperature the server did not
// include in its payload.
const TemperatureUnknown = -1

// ExtruderView is the hotend slice of the printer view model.
type ExtruderView struct {
	ActualTemperature float64
	TargetTemperature float64
}

// PrinterView is the derived printer state exposed to the host application.
type PrinterView struct {
	State                string
	Extruders            []ExtruderView
	BedActualTemperature float64
	BedTargetTemperature float64
}

// JobView is the derived active-job state exposed to the host application.
type JobView struct {
	Name        string
	State       string
	TimeElapsed int
	TimeTotal   int
}

// Capabilities are the optional server features learned from the settings
// and plugin payloads.
type Capabilities struct {
	SDCardSupported           bool
	UFPTransferSupported      bool
	UFPPluginVersion          string
	GCodeAnalysisSupported    bool
	GCodeAnalysisRequiresWait bool
	AppKeysSupported          bool
}

// Webcam is a normalized camera descriptor.
type Webcam struct {
	Name      string
	StreamURL string
	Rotation  int
	Mirror    bool
}

// ServerInfo carries identification parsed from the version, profile and
// login payloads.
type ServerInfo struct {
	Version     string
	ProfileName string
	UserName    string
}

// MessageKind classifies user-facing notifications.
type MessageKind int

const (
	MessageInfo MessageKind = iota
	MessageWarning
	MessageError
)

// Callbacks are the events a device client emits. All fields are optional;
// a nil callback is skipped. Callbacks run on the client's own goroutine and
// must not block.
type Callbacks struct {
	ConnectionStateChanged func(id string, state ConnectionState)
	PrinterUpdated         func(id string, view PrinterView)
	JobUpdated             func(id string, view JobView)
	CapabilitiesUpdated    func(id string, caps Capabilities)
	WebcamsUpdated         func(id string, webcams []Webcam)
	PlugsUpdated           func(id string, plugs []PlugDescriptor)
	ServerInfoUpdated      func(id string, info ServerInfo)

	// UploadProgress reports fraction in [0,1]. UploadDone fires once per
	// write request with err nil on success, ErrWriteCanceled on cancel.
	UploadProgress func(id string, fraction float64)
	UploadDone     func(id string, err error)

	// ConfirmUploadOptions asks the host to confirm or adjust upload options.
	// The host resumes the flow with ConfirmUpload or CancelWrite.
	ConfirmUploadOptions func(id string, opts WriteOptions)
	// ChooseQueue asks the host whether to queue a job because the printer
	// is busy. The host resumes with ForceQueue or CancelWrite.
	ChooseQueue func(id string, jobName string)
	// WaitingForPowerOn signals that the flow is waiting for the printer to
	// come online. The host may resume with ForceQueue or CancelWrite.
	WaitingForPowerOn func(id string)

	Message func(id string, kind MessageKind, text string)
}

func (cb *Callbacks) connectionStateChanged(id string, state ConnectionState) {
	if cb != nil && cb.ConnectionStateChanged != nil {
		cb.ConnectionStateChanged(id, state)
	}
}

func (cb *Callbacks) printerUpdated(id string, view PrinterView) {
	if cb != nil && cb.PrinterUpdated != nil {
		cb.PrinterUpdated(id, view)
	}
}

func (cb *Callbacks) jobUpdated(id string, view JobView) {
	if cb != nil && cb.JobUpdated != nil {
		cb.JobUpdated(id, view)
	}
}

func (cb *Callbacks) message(id string, kind MessageKind, text string) {
	if cb != nil && cb.Message != nil {
		cb.Message(id, kind, text)
	}
}

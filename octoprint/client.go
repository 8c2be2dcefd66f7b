package octoprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Errors crossing the client boundary. Network and protocol failures are
// handled internally; these cover caller mistakes.
var (
	ErrNotReady        = errors.New("client is not connected")
	ErrWriteInProgress = errors.New("an upload is already in progress")
	ErrWriteCanceled   = errors.New("upload canceled")
)

const (
	fastPollInterval = 2 * time.Second
	slowPollInterval = 10 * time.Second
	responseTimeout  = 10 * time.Second

	// After this many consecutive timed-out poll ticks the HTTP session is
	// replaced; a stale connection pool can keep reporting reachability for
	// a host that is long gone.
	sessionRebuildTicks = 5
)

// Preferences are the per-machine options that shape the upload protocol
// and optional integrations.
type Preferences struct {
	AutoPrint            bool
	AutoSelect           bool
	StoreOnSD            bool
	ConfirmUploadOptions bool
	TransferUFP          bool
	PowerControl         bool
	PowerPlugID          string
	AutoConnect          bool
	UsePushSocket        bool
}

// DeviceClient drives one OctoPrint instance: it owns the HTTP session, the
// polling loop, the derived view models and the upload protocol. All
// protocol state lives on a single goroutine; public methods hand work to it.
type DeviceClient struct {
	id         string
	address    string
	port       int
	path       string
	useHTTPS   bool
	properties map[string]string
	baseURL    string
	apiURL     string

	mu           sync.Mutex
	apiKey       string
	userAgent    string
	userName     string
	password     string
	prefs        Preferences
	callbacks    *Callbacks
	running      bool
	uploadActive bool

	state       ConnectionState
	printerView PrinterView
	jobView     JobView
	caps        Capabilities
	webcams     []Webcam
	plugs       []PlugDescriptor
	serverInfo  ServerInfo

	// Loop-owned fields, never touched outside the loop goroutine.
	session         *session
	gen             uint64
	ctx             context.Context
	cancel          context.CancelFunc
	pollInterval    time.Duration
	pollEndpoints   map[RequestKind]string
	lastRequest     time.Time
	timedOut        bool
	timeoutTicks    int
	preTimeoutState ConnectionState
	authAlerted     bool
	upload          *uploadSession
	push            *pushSocket

	// lastResponse is written by the loop and by upload progress callbacks,
	// so it is kept atomic rather than loop-owned.
	lastResponse atomic.Int64

	cmds      chan func()
	responses chan response
	stop      chan struct{}
	loopDone  chan struct{}
}

// NewDeviceClient creates an idle client for one instance. The path is
// normalized to always carry leading and trailing slashes.
func NewDeviceClient(id, address string, port int, path string, useHTTPS bool, properties map[string]string) *DeviceClient {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	scheme := "http"
	if useHTTPS {
		scheme = "https"
	}
	baseURL := scheme + "://" + net.JoinHostPort(address, strconv.Itoa(port)) + path

	return &DeviceClient{
		id:         id,
		address:    address,
		port:       port,
		path:       path,
		useHTTPS:   useHTTPS,
		properties: properties,
		baseURL:    baseURL,
		apiURL:     baseURL + "api/",
		state:      StateClosed,
		printerView: PrinterView{
			State:                PrinterOffline,
			Extruders:            []ExtruderView{{TemperatureUnknown, TemperatureUnknown}},
			BedActualTemperature: TemperatureUnknown,
			BedTargetTemperature: TemperatureUnknown,
		},
		jobView: JobView{State: JobOffline},
	}
}

func (c *DeviceClient) ID() string                    { return c.id }
func (c *DeviceClient) Address() string               { return c.address }
func (c *DeviceClient) Port() int                     { return c.port }
func (c *DeviceClient) BaseURL() string               { return c.baseURL }
func (c *DeviceClient) APIURL() string                { return c.apiURL }
func (c *DeviceClient) Properties() map[string]string { return c.properties }

// SetAPIKey may be called in any connection state; the key takes effect on
// the next outbound request.
func (c *DeviceClient) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

func (c *DeviceClient) SetUserAgent(userAgent string) {
	c.mu.Lock()
	c.userAgent = userAgent
	c.mu.Unlock()
}

func (c *DeviceClient) SetBasicAuth(userName, password string) {
	c.mu.Lock()
	c.userName = userName
	c.password = password
	c.mu.Unlock()
}

func (c *DeviceClient) SetPreferences(prefs Preferences) {
	c.mu.Lock()
	c.prefs = prefs
	c.mu.Unlock()
}

func (c *DeviceClient) SetCallbacks(callbacks *Callbacks) {
	c.mu.Lock()
	c.callbacks = callbacks
	c.mu.Unlock()
}

func (c *DeviceClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *DeviceClient) PrinterView() PrinterView {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.printerView
	view.Extruders = append([]ExtruderView(nil), view.Extruders...)
	return view
}

func (c *DeviceClient) JobView() JobView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobView
}

func (c *DeviceClient) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *DeviceClient) Webcams() []Webcam {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Webcam(nil), c.webcams...)
}

func (c *DeviceClient) Plugs() []PlugDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PlugDescriptor(nil), c.plugs...)
}

func (c *DeviceClient) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

func (c *DeviceClient) cb() *Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callbacks
}

func (c *DeviceClient) credentials() auth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return auth{
		apiKey:    c.apiKey,
		userAgent: c.userAgent,
		userName:  c.userName,
		password:  c.password,
	}
}

func (c *DeviceClient) preferences() Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs
}

// Connect starts the polling loop. Connecting an already running client is
// a no-op.
func (c *DeviceClient) Connect() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.cmds = make(chan func(), 16)
	c.responses = make(chan response, 32)
	c.stop = make(chan struct{})
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	go c.loop()
}

// Close stops polling, aborts in-flight requests and marks the instance
// offline. Closing twice produces no additional side effects.
func (c *DeviceClient) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop := c.stop
	done := c.loopDone
	c.mu.Unlock()

	close(stop)
	<-done
}

// enqueue hands a closure to the loop goroutine.
func (c *DeviceClient) enqueue(fn func()) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotReady
	}
	cmds := c.cmds
	stop := c.stop
	c.mu.Unlock()

	select {
	case cmds <- fn:
		return nil
	case <-stop:
		return ErrNotReady
	}
}

func (c *DeviceClient) loop() {
	defer close(c.loopDone)

	c.session = newSession()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.gen++
	c.pollInterval = fastPollInterval
	c.pollEndpoints = map[RequestKind]string{
		KindPrinterStatus: "printer",
		KindJobStatus:     "job",
	}
	c.timedOut = false
	c.timeoutTicks = 0
	c.authAlerted = false
	c.lastRequest = time.Time{}
	c.lastResponse.Store(0)

	c.setState(StateConnecting)

	// First poll fires immediately rather than waiting out a timer period.
	c.queryOnce()
	c.pollTick()

	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			c.shutdown()
			return
		case fn := <-c.cmds:
			fn()
		case resp := <-c.responses:
			c.handleResponse(resp)
		case <-timer.C:
			c.checkTimeout()
			c.checkPowerOnDeadline()
			c.pollTick()
			timer.Reset(c.pollInterval)
		}
	}
}

func (c *DeviceClient) shutdown() {
	c.cancel()
	if c.push != nil {
		c.push.close()
		c.push = nil
	}
	if c.upload != nil {
		c.finishUpload(ErrWriteCanceled)
	}
	c.session.close()

	c.updatePrinterState(PrinterOffline)
	c.updateJobState(JobOffline)
	c.setState(StateClosed)
}

// setState records and emits a connection state change, once per change.
func (c *DeviceClient) setState(state ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	logDebug("Connection state changed", "instance", c.id, "state", state.String())
	c.cb().connectionStateChanged(c.id, state)
}

// queryOnce issues the requests that only need to run at connect time.
func (c *DeviceClient) queryOnce() {
	c.get(KindSettings, c.apiURL+"settings")
	c.get(KindVersion, c.apiURL+"version")
	c.get(KindProfiles, c.apiURL+"printerprofiles")
	c.postJSON(KindLogin, c.apiURL+"login", map[string]interface{}{"passive": true})
}

// pollTick issues one GET per polled endpoint.
func (c *DeviceClient) pollTick() {
	for kind, endpoint := range c.pollEndpoints {
		c.get(kind, c.apiURL+endpoint)
	}
}

func (c *DeviceClient) get(kind RequestKind, url string) {
	c.dispatch(c.ctx, kind, "GET", url, "", nil)
}

func (c *DeviceClient) postJSON(kind RequestKind, url string, payload interface{}) {
	body, err := jsonBody(payload)
	if err != nil {
		logError("Failed to encode request body", "kind", kind.String(), "error", err)
		return
	}
	c.dispatch(c.ctx, kind, "POST", url, "application/json", body)
}

// dispatch performs the request on its own goroutine and delivers the
// outcome to the loop. Responses carry the generation they were issued
// under; stale generations are dropped on receipt. Every kind except
// uploads gets a deadline; uploads run as long as the body keeps moving
// and are bounded by their own cancellable context.
func (c *DeviceClient) dispatch(ctx context.Context, kind RequestKind, method, url, contentType string, body io.Reader) {
	c.lastRequest = time.Now()

	gen := c.gen
	sess := c.session
	creds := c.credentials()
	responses := c.responses
	stop := c.stop

	go func() {
		if kind != KindUpload {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, requestTimeout)
			defer cancel()
		}
		resp := sess.roundTrip(ctx, kind, gen, method, url, contentType, body, creds)
		select {
		case responses <- resp:
		case <-stop:
		}
	}()
}

func (c *DeviceClient) touchResponse() {
	c.lastResponse.Store(time.Now().UnixNano())
}

func (c *DeviceClient) lastResponseTime() time.Time {
	nanos := c.lastResponse.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// checkTimeout flags the instance once responses stop arriving. The state
// held before the first timeout is saved so a later response can restore it;
// consecutive timeouts never overwrite the saved state.
func (c *DeviceClient) checkTimeout() {
	lastResponse := c.lastResponseTime()
	if lastResponse.IsZero() || !c.lastRequest.After(lastResponse) {
		return
	}
	if time.Since(lastResponse) <= responseTimeout {
		return
	}

	if !c.timedOut {
		c.timedOut = true
		c.preTimeoutState = c.State()
		logInfo("Instance stopped responding", "instance", c.id)
		c.setState(StateError)
	}

	c.timeoutTicks++
	if c.timeoutTicks%sessionRebuildTicks == 0 {
		logDebug("Replacing HTTP session after sustained unreachability", "instance", c.id)
		c.session.close()
		c.session = newSession()
	}
}

func (c *DeviceClient) handleResponse(resp response) {
	if resp.aborted || resp.gen != c.gen {
		return
	}

	if resp.err != nil {
		logDebug("Request failed", "kind", resp.kind.String(), "instance", c.id, "error", resp.err)
		switch resp.kind {
		case KindPrinterStatus:
			c.pollInterval = slowPollInterval
		case KindUpload:
			c.handleUploadResponse(resp)
		}
		return
	}

	c.touchResponse()
	if c.timedOut {
		c.timedOut = false
		c.timeoutTicks = 0
		c.setState(c.preTimeoutState)
	}

	switch resp.kind {
	case KindPrinterStatus:
		c.handlePrinterStatus(resp)
	case KindJobStatus:
		c.handleJobStatus(resp)
	case KindSettings:
		c.handleSettings(resp)
	case KindVersion:
		c.handleVersion(resp)
	case KindProfiles:
		c.handleProfiles(resp)
	case KindLogin:
		c.handleLogin(resp)
	case KindFileInfo:
		c.handleFileInfo(resp)
	case KindUpload:
		c.handleUploadResponse(resp)
	case KindJobCommand, KindGCodeCommand, KindConnectionCommand, KindPlugCommand:
		c.handleCommandResponse(resp)
	case KindPushCurrent:
		c.handlePushCurrent(resp)
	}
}

func (c *DeviceClient) handlePrinterStatus(resp response) {
	switch {
	case resp.status == 200:
		c.pollInterval = fastPollInterval
		c.authAlerted = false
		if c.State() == StateConnecting {
			c.setState(StateConnected)
			c.maybeStartPushSocket()
		}

		var payload printerStatusPayload
		if err := json.Unmarshal(resp.body, &payload); err != nil {
			logWarn("Malformed printer status payload", "instance", c.id, "error", err)
			return
		}
		c.applyPrinterPayload(payload)

	case resp.status == 401 || resp.status == 403:
		c.pollInterval = slowPollInterval
		c.updatePrinterState(PrinterOffline)
		if !c.authAlerted {
			c.authAlerted = true
			c.cb().message(c.id, MessageError,
				fmt.Sprintf("Access denied by %s. Check the configured API key.", c.address))
		}

	case resp.status == 409:
		// The server is reachable but no printer is attached or connected.
		if c.State() == StateConnecting {
			c.setState(StateConnected)
		}
		c.pollInterval = slowPollInterval
		c.updatePrinterState(PrinterOffline)

	case resp.status == 502 || resp.status == 503:
		c.pollInterval = slowPollInterval
		c.updatePrinterState(PrinterOffline)
		logDebug("Server is not running", "instance", c.id, "status", resp.status)

	default:
		c.pollInterval = slowPollInterval
		c.updatePrinterState(PrinterOffline)
		logWarn("Unexpected printer status response", "instance", c.id, "status", resp.status)
	}
}

func (c *DeviceClient) applyPrinterPayload(payload printerStatusPayload) {
	c.mu.Lock()
	c.printerView = buildPrinterView(c.printerView, payload)
	view := c.printerView
	c.mu.Unlock()

	c.cb().printerUpdated(c.id, view)
	c.uploadPrinterStateChanged(view.State)
}

// updatePrinterState forces only the state field, leaving temperatures as
// they were, and emits on change.
func (c *DeviceClient) updatePrinterState(state string) {
	c.mu.Lock()
	if c.printerView.State == state {
		c.mu.Unlock()
		return
	}
	c.printerView.State = state
	view := c.printerView
	c.mu.Unlock()

	c.cb().printerUpdated(c.id, view)
	c.uploadPrinterStateChanged(state)
}

func (c *DeviceClient) handleJobStatus(resp response) {
	if resp.status != 200 {
		if resp.status == 401 || resp.status == 403 || resp.status == 409 {
			c.updateJobState(JobOffline)
		}
		return
	}

	var payload jobStatusPayload
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		logWarn("Malformed job status payload", "instance", c.id, "error", err)
		return
	}

	c.mu.Lock()
	c.jobView = buildJobView(c.jobView, payload)
	view := c.jobView
	c.mu.Unlock()

	c.cb().jobUpdated(c.id, view)
}

func (c *DeviceClient) updateJobState(state string) {
	c.mu.Lock()
	if c.jobView.State == state {
		c.mu.Unlock()
		return
	}
	c.jobView.State = state
	view := c.jobView
	c.mu.Unlock()

	c.cb().jobUpdated(c.id, view)
}

func (c *DeviceClient) handleSettings(resp response) {
	if resp.status != 200 {
		logDebug("Settings request rejected", "instance", c.id, "status", resp.status)
		return
	}

	var payload settingsPayload
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		logWarn("Malformed settings payload", "instance", c.id, "error", err)
		return
	}

	c.mu.Lock()
	c.caps = parseCapabilities(c.caps, payload)
	c.webcams = ParseWebcams(payload.Webcam, payload.Plugins, c.baseURL, c.userName, c.password)
	c.plugs = ParsePlugs(payload.Plugins)
	caps, webcams, plugs := c.caps, c.webcams, c.plugs
	callbacks := c.callbacks
	c.mu.Unlock()

	if callbacks != nil {
		if callbacks.CapabilitiesUpdated != nil {
			callbacks.CapabilitiesUpdated(c.id, caps)
		}
		if callbacks.WebcamsUpdated != nil {
			callbacks.WebcamsUpdated(c.id, webcams)
		}
		if callbacks.PlugsUpdated != nil {
			callbacks.PlugsUpdated(c.id, plugs)
		}
	}
}

func (c *DeviceClient) handleVersion(resp response) {
	// Old servers predate the version endpoint; 404 is not an error.
	if resp.status != 200 {
		return
	}
	var payload struct {
		Server string `json:"server"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		logWarn("Malformed version payload", "instance", c.id, "error", err)
		return
	}
	c.updateServerInfo(func(info *ServerInfo) { info.Version = payload.Server })
}

func (c *DeviceClient) handleProfiles(resp response) {
	if resp.status != 200 {
		return
	}
	var payload struct {
		Profiles map[string]struct {
			Name    string `json:"name"`
			Current bool   `json:"current"`
		} `json:"profiles"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		logWarn("Malformed printer profiles payload", "instance", c.id, "error", err)
		return
	}
	for _, profile := range payload.Profiles {
		if profile.Current {
			name := profile.Name
			c.updateServerInfo(func(info *ServerInfo) { info.ProfileName = name })
			break
		}
	}
}

func (c *DeviceClient) handleLogin(resp response) {
	if resp.status != 200 {
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		logWarn("Malformed login payload", "instance", c.id, "error", err)
		return
	}
	c.updateServerInfo(func(info *ServerInfo) { info.UserName = payload.Name })
}

func (c *DeviceClient) updateServerInfo(mutate func(*ServerInfo)) {
	c.mu.Lock()
	mutate(&c.serverInfo)
	info := c.serverInfo
	callbacks := c.callbacks
	c.mu.Unlock()

	if callbacks != nil && callbacks.ServerInfoUpdated != nil {
		callbacks.ServerInfoUpdated(c.id, info)
	}
}

func (c *DeviceClient) handleCommandResponse(resp response) {
	if resp.status >= 200 && resp.status < 300 {
		return
	}
	var text string
	switch {
	case resp.status == 401 || resp.status == 403:
		text = fmt.Sprintf("Not allowed to send a %s to %s.", resp.kind.String(), c.address)
	case resp.status == 409:
		text = fmt.Sprintf("The printer rejected a %s; it may be busy or disconnected.", resp.kind.String())
	default:
		text = fmt.Sprintf("Sending a %s to %s failed with status %d.", resp.kind.String(), c.address, resp.status)
	}
	logWarn("Command rejected", "kind", resp.kind.String(), "instance", c.id, "status", resp.status)
	c.cb().message(c.id, MessageError, text)
}

// StartJob, PauseJob, ResumeJob and CancelJob drive the active print job.
func (c *DeviceClient) StartJob() error  { return c.jobCommand(map[string]interface{}{"command": "start"}) }
func (c *DeviceClient) CancelJob() error { return c.jobCommand(map[string]interface{}{"command": "cancel"}) }

func (c *DeviceClient) PauseJob() error {
	return c.jobCommand(map[string]interface{}{"command": "pause", "action": "pause"})
}

func (c *DeviceClient) ResumeJob() error {
	return c.jobCommand(map[string]interface{}{"command": "pause", "action": "resume"})
}

func (c *DeviceClient) jobCommand(payload map[string]interface{}) error {
	return c.enqueue(func() {
		c.postJSON(KindJobCommand, c.apiURL+"job", payload)
	})
}

// SendGCode passes raw G-code lines straight to the printer.
func (c *DeviceClient) SendGCode(commands ...string) error {
	return c.enqueue(func() {
		c.postJSON(KindGCodeCommand, c.apiURL+"printer/command",
			map[string]interface{}{"commands": commands})
	})
}

// ConnectPrinter asks the server to open its serial connection.
func (c *DeviceClient) ConnectPrinter() error {
	return c.enqueue(func() {
		c.postJSON(KindConnectionCommand, c.apiURL+"connection",
			map[string]interface{}{"command": "connect"})
	})
}

// SetPlugState toggles a smart plug through its plugin endpoint.
func (c *DeviceClient) SetPlugState(plug PlugDescriptor, on bool) error {
	return c.enqueue(func() {
		c.postJSON(KindPlugCommand, c.baseURL+"plugin/"+plug.PluginID, plug.Command(on))
	})
}

func (c *DeviceClient) maybeStartPushSocket() {
	if c.push != nil || !c.preferences().UsePushSocket {
		return
	}
	c.push = newPushSocket(c.baseURL, c.credentials(), c.gen, c.responses, c.stop)
	c.push.start()
}

// handlePushCurrent folds a push-channel "current" message into the same
// view builders the polled endpoints use.
func (c *DeviceClient) handlePushCurrent(resp response) {
	var payload struct {
		State struct {
			Text  string          `json:"text"`
			Flags map[string]bool `json:"flags"`
		} `json:"state"`
		Job      json.RawMessage              `json:"job"`
		Progress json.RawMessage              `json:"progress"`
		Temps    []map[string]json.RawMessage `json:"temps"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		logDebug("Malformed push message", "instance", c.id, "error", err)
		return
	}

	if payload.State.Flags != nil {
		var printer printerStatusPayload
		printer.State.Text = payload.State.Text
		printer.State.Flags = payload.State.Flags
		if len(payload.Temps) > 0 {
			latest := payload.Temps[len(payload.Temps)-1]
			printer.Temperature = make(map[string]temperatureEntry, len(latest))
			for key, raw := range latest {
				if key == "time" {
					continue
				}
				var entry temperatureEntry
				if err := json.Unmarshal(raw, &entry); err == nil {
					printer.Temperature[key] = entry
				}
			}
		} else {
			// No temperature samples in this message; keep the current ones.
			c.mu.Lock()
			printer.Temperature = make(map[string]temperatureEntry, len(c.printerView.Extruders)+1)
			for i, extruder := range c.printerView.Extruders {
				actual, target := extruder.ActualTemperature, extruder.TargetTemperature
				printer.Temperature[fmt.Sprintf("tool%d", i)] = temperatureEntry{Actual: &actual, Target: &target}
			}
			bedActual, bedTarget := c.printerView.BedActualTemperature, c.printerView.BedTargetTemperature
			printer.Temperature["bed"] = temperatureEntry{Actual: &bedActual, Target: &bedTarget}
			c.mu.Unlock()
		}
		c.applyPrinterPayload(printer)
	}

	if payload.Job != nil || payload.Progress != nil {
		var job jobStatusPayload
		if payload.Job != nil {
			if err := json.Unmarshal(payload.Job, &job.Job); err != nil {
				logDebug("Malformed push job section", "instance", c.id, "error", err)
			}
		}
		if payload.Progress != nil {
			if err := json.Unmarshal(payload.Progress, &job.Progress); err != nil {
				logDebug("Malformed push progress section", "instance", c.id, "error", err)
			}
		}
		if payload.State.Text != "" {
			text := payload.State.Text
			job.State = &text
		}
		c.mu.Lock()
		c.jobView = buildJobView(c.jobView, job)
		view := c.jobView
		c.mu.Unlock()
		c.cb().jobUpdated(c.id, view)
	}
}

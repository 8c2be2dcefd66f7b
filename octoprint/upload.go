package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"strings"
	"time"
)

// WriteOptions shape a single write request. They start out seeded from the
// client preferences and may be adjusted by the host through ConfirmUpload.
type WriteOptions struct {
	JobName     string
	AutoPrint   bool
	AutoSelect  bool
	StoreOnSD   bool
	TransferUFP bool
	// PreSliced jobs are pass-through G-code and are never wrapped in a
	// container, even when the server could unpack one.
	PreSliced bool
}

// powerOnWait bounds how long an upload waits for the printer to come
// online after a power-on or connect command.
const powerOnWait = 2 * time.Minute

// uploadSession is the ephemeral state of one write request. Only the loop
// goroutine touches it.
type uploadSession struct {
	payload []byte
	opts    WriteOptions

	forcedQueue            bool
	waitingForConfirmation bool
	waitingForChoice       bool
	waitingForPowerOn      bool
	waitingForAnalysis     bool
	posted                 bool
	needsAnalysisWait      bool
	powerOnDeadline        time.Time
	fileName               string
	destination            string
	fileEndpoint           string
	cancel                 context.CancelFunc
}

// RequestWrite starts the upload/print protocol for one job. Only one write
// may be in flight per client; a second request is refused rather than
// queued. The outcome is reported through the UploadDone callback.
func (c *DeviceClient) RequestWrite(payload []byte, jobName string, preSliced bool) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.uploadActive {
		c.mu.Unlock()
		return ErrWriteInProgress
	}
	c.uploadActive = true
	prefs := c.prefs
	c.mu.Unlock()

	opts := WriteOptions{
		JobName:     sanitizeJobName(jobName),
		AutoPrint:   prefs.AutoPrint,
		AutoSelect:  prefs.AutoSelect,
		StoreOnSD:   prefs.StoreOnSD,
		TransferUFP: prefs.TransferUFP,
		PreSliced:   preSliced,
	}

	err := c.enqueue(func() { c.beginWrite(payload, opts, prefs) })
	if err != nil {
		c.mu.Lock()
		c.uploadActive = false
		c.mu.Unlock()
	}
	return err
}

// ConfirmUpload resumes a write that was waiting for the host to confirm
// its options. Calls outside that state are ignored.
func (c *DeviceClient) ConfirmUpload(opts WriteOptions) {
	c.enqueue(func() {
		u := c.upload
		if u == nil || !u.waitingForConfirmation {
			return
		}
		if opts.JobName == "" {
			opts.JobName = u.opts.JobName
		}
		opts.PreSliced = u.opts.PreSliced
		u.opts = opts
		u.waitingForConfirmation = false
		c.continueWrite()
	})
}

// CancelWrite aborts the write at any stage: pending confirmation, power-on
// wait, the transfer itself, or the analysis wait. Idempotent.
func (c *DeviceClient) CancelWrite() {
	c.enqueue(func() {
		if c.upload == nil {
			return
		}
		c.finishUpload(ErrWriteCanceled)
	})
}

// ForceQueue resumes a waiting write as an upload-only job: the file is
// stored but no print is started.
func (c *DeviceClient) ForceQueue() {
	c.enqueue(func() {
		u := c.upload
		if u == nil || u.posted {
			return
		}
		u.forcedQueue = true
		u.waitingForPowerOn = false
		u.waitingForChoice = false
		u.waitingForConfirmation = false
		c.performUpload()
	})
}

// PrintImmediately overrides a pending analysis wait and starts the print
// right away.
func (c *DeviceClient) PrintImmediately() {
	c.enqueue(func() {
		u := c.upload
		if u != nil && u.waitingForAnalysis {
			c.endAnalysisWait()
		}
	})
}

func (c *DeviceClient) beginWrite(payload []byte, opts WriteOptions, prefs Preferences) {
	c.upload = &uploadSession{payload: payload, opts: opts}

	callbacks := c.cb()
	if prefs.ConfirmUploadOptions && callbacks != nil && callbacks.ConfirmUploadOptions != nil {
		c.upload.waitingForConfirmation = true
		callbacks.ConfirmUploadOptions(c.id, opts)
		return
	}
	c.continueWrite()
}

// continueWrite runs the pre-upload checks: power the printer on when it is
// off and we can, and settle the queue-or-print question when it is busy.
func (c *DeviceClient) continueWrite() {
	u := c.upload
	if u == nil {
		return
	}

	state := c.PrinterView().State
	prefs := c.preferences()

	if state == PrinterOffline {
		powered := false
		if prefs.PowerControl && prefs.PowerPlugID != "" {
			if plug, ok := c.plugByID(prefs.PowerPlugID); ok {
				c.postJSON(KindPlugCommand, c.baseURL+"plugin/"+plug.PluginID, plug.Command(true))
				powered = true
			} else {
				logWarn("Configured power plug not found", "instance", c.id, "plug", prefs.PowerPlugID)
			}
		}
		if prefs.AutoConnect {
			c.postJSON(KindConnectionCommand, c.apiURL+"connection",
				map[string]interface{}{"command": "connect"})
			powered = true
		}
		if powered {
			u.waitingForPowerOn = true
			u.powerOnDeadline = time.Now().Add(powerOnWait)
			callbacks := c.cb()
			if callbacks != nil && callbacks.WaitingForPowerOn != nil {
				callbacks.WaitingForPowerOn(c.id)
			}
			return
		}
		// No way to power the printer on; the file can still be stored.
		c.performUpload()
		return
	}

	if state == PrinterIdle {
		c.performUpload()
		return
	}

	// Busy printer. Printing on top of a running job is never attempted.
	if !u.opts.AutoPrint {
		u.forcedQueue = true
		c.performUpload()
		return
	}
	callbacks := c.cb()
	if callbacks != nil && callbacks.ChooseQueue != nil {
		u.waitingForChoice = true
		callbacks.ChooseQueue(c.id, u.opts.JobName)
		return
	}
	u.forcedQueue = true
	c.performUpload()
}

// uploadPrinterStateChanged feeds printer state updates into a pending
// power-on wait.
func (c *DeviceClient) uploadPrinterStateChanged(state string) {
	u := c.upload
	if u == nil || !u.waitingForPowerOn {
		return
	}
	if state == PrinterIdle {
		u.waitingForPowerOn = false
		c.performUpload()
	}
}

// checkPowerOnDeadline expires a pending power-on wait. It runs on every
// poll tick: a printer that stays offline produces no state change, so the
// deadline cannot ride on state updates alone.
func (c *DeviceClient) checkPowerOnDeadline() {
	u := c.upload
	if u == nil || !u.waitingForPowerOn {
		return
	}
	if time.Now().After(u.powerOnDeadline) {
		c.cb().message(c.id, MessageError,
			fmt.Sprintf("The printer at %s did not come online in time.", c.address))
		c.finishUpload(fmt.Errorf("printer did not come online within %s", powerOnWait))
	}
}

func (c *DeviceClient) plugByID(id string) (PlugDescriptor, bool) {
	for _, plug := range c.Plugs() {
		if plug.ID == id {
			return plug, true
		}
	}
	return PlugDescriptor{}, false
}

func (c *DeviceClient) performUpload() {
	u := c.upload
	if u == nil || u.posted {
		return
	}
	u.posted = true

	caps := c.Capabilities()

	extension := ".gcode"
	if caps.UFPTransferSupported && u.opts.TransferUFP && !u.opts.PreSliced {
		extension = ".ufp"
	}
	u.fileName = u.opts.JobName + extension

	u.destination = "local"
	if u.opts.StoreOnSD && caps.SDCardSupported {
		u.destination = "sdcard"
	}

	// SD uploads carry select/print inline; local uploads do too unless the
	// server defers analysis, in which case the print command waits for the
	// analysis result.
	wantsFollowUp := (u.opts.AutoPrint || u.opts.AutoSelect) && !u.forcedQueue
	u.needsAnalysisWait = wantsFollowUp && u.destination == "local" &&
		caps.GCodeAnalysisSupported && caps.GCodeAnalysisRequiresWait
	inline := !u.needsAnalysisWait

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if inline && !u.forcedQueue {
		form.WriteField("select", boolField(u.opts.AutoSelect || u.opts.AutoPrint))
		form.WriteField("print", boolField(u.opts.AutoPrint))
	}
	part, err := form.CreateFormFile("file", u.fileName)
	if err == nil {
		_, err = part.Write(u.payload)
	}
	if err == nil {
		err = form.Close()
	}
	if err != nil {
		c.finishUpload(fmt.Errorf("failed to build upload request: %w", err))
		return
	}

	total := int64(buf.Len())
	callbacks := c.cb()
	reader := &progressReader{
		reader: &buf,
		total:  total,
		onProgress: func(sent, total int64) {
			// Long transfers keep the connection alive; count progress as a
			// response so a slow upload is not mistaken for a dead host.
			c.touchResponse()
			if callbacks != nil && callbacks.UploadProgress != nil {
				callbacks.UploadProgress(c.id, float64(sent)/float64(total))
			}
		},
	}

	ctx, cancel := context.WithCancel(c.ctx)
	u.cancel = cancel

	logInfo("Uploading job", "instance", c.id, "file", u.fileName, "destination", u.destination)
	c.dispatch(ctx, KindUpload, "POST", c.apiURL+"files/"+u.destination,
		form.FormDataContentType(), reader)
}

func (c *DeviceClient) handleUploadResponse(resp response) {
	u := c.upload
	if u == nil {
		return
	}

	if resp.err != nil {
		c.cb().message(c.id, MessageError,
			fmt.Sprintf("Could not reach %s to store %s.", c.address, u.fileName))
		c.finishUpload(resp.err)
		return
	}

	switch {
	case resp.status >= 200 && resp.status < 300:
		if u.needsAnalysisWait {
			endpoint := fileEndpointFromLocation(resp.location)
			if endpoint == "" {
				endpoint = "files/" + u.destination + "/" + u.fileName
			}
			u.fileEndpoint = endpoint
			u.waitingForAnalysis = true
			c.pollEndpoints[KindFileInfo] = endpoint
			c.cb().message(c.id, MessageInfo,
				fmt.Sprintf("Stored %s; waiting for the server to finish analyzing it.", u.fileName))
			return
		}
		c.cb().message(c.id, MessageInfo,
			fmt.Sprintf("Stored %s on %s.", u.fileName, c.address))
		c.finishUpload(nil)

	case resp.status == 401 || resp.status == 403:
		c.cb().message(c.id, MessageError,
			fmt.Sprintf("Not allowed to store %s on %s. Check the configured API key.", u.fileName, c.address))
		c.finishUpload(fmt.Errorf("upload rejected with status %d", resp.status))

	case resp.status == 409:
		c.cb().message(c.id, MessageError,
			fmt.Sprintf("Could not store %s on %s: the file is in use or the storage is unavailable.", u.fileName, c.address))
		c.finishUpload(fmt.Errorf("upload conflict with status %d", resp.status))

	default:
		c.cb().message(c.id, MessageError,
			fmt.Sprintf("Storing %s on %s failed with status %d.", u.fileName, c.address, resp.status))
		c.finishUpload(fmt.Errorf("upload failed with status %d", resp.status))
	}
}

// handleFileInfo watches the uploaded file's metadata for the analysis
// result. The print command is issued only once the server reports analysis
// progress for the file, never before.
func (c *DeviceClient) handleFileInfo(resp response) {
	u := c.upload
	if u == nil || !u.waitingForAnalysis {
		delete(c.pollEndpoints, KindFileInfo)
		return
	}
	if resp.status != 200 {
		return
	}

	var payload struct {
		GCodeAnalysis map[string]interface{} `json:"gcodeAnalysis"`
	}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		logWarn("Malformed file info payload", "instance", c.id, "error", err)
		return
	}
	if _, ok := payload.GCodeAnalysis["progress"]; ok {
		c.endAnalysisWait()
	}
}

// endAnalysisWait leaves the analysis wait exactly once: the file-info
// endpoint is removed from the poll set and the select/print command goes
// out.
func (c *DeviceClient) endAnalysisWait() {
	u := c.upload
	if u == nil || !u.waitingForAnalysis {
		return
	}
	u.waitingForAnalysis = false
	delete(c.pollEndpoints, KindFileInfo)

	c.sendSelectPrint(c.apiURL+u.fileEndpoint, u)
	c.cb().message(c.id, MessageInfo,
		fmt.Sprintf("Stored %s on %s.", u.fileName, c.address))
	c.finishUpload(nil)
}

func (c *DeviceClient) sendSelectPrint(location string, u *uploadSession) {
	url := location
	if url == "" {
		url = c.apiURL + "files/" + u.destination + "/" + u.fileName
	}
	c.postJSON(KindJobCommand, url, map[string]interface{}{
		"command": "select",
		"print":   u.opts.AutoPrint,
	})
}

// finishUpload tears the session down and reports the outcome. Safe to call
// for any stage of the flow.
func (c *DeviceClient) finishUpload(err error) {
	u := c.upload
	if u == nil {
		return
	}
	if u.cancel != nil {
		u.cancel()
	}
	delete(c.pollEndpoints, KindFileInfo)
	c.upload = nil

	c.mu.Lock()
	c.uploadActive = false
	callbacks := c.callbacks
	c.mu.Unlock()

	if err != nil && err != ErrWriteCanceled {
		logWarn("Upload failed", "instance", c.id, "error", err)
	}
	if callbacks != nil && callbacks.UploadDone != nil {
		callbacks.UploadDone(c.id, err)
	}
}

// fileEndpointFromLocation turns an absolute Location header into the
// endpoint path relative to the API root.
func fileEndpointFromLocation(location string) string {
	marker := "/api/"
	idx := strings.Index(location, marker)
	if idx < 0 {
		return ""
	}
	return location[idx+len(marker):]
}

func sanitizeJobName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".gcode")
	name = strings.TrimSuffix(name, ".ufp")
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	name = replacer.Replace(name)
	if name == "" {
		name = "untitled"
	}
	return name
}

func boolField(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

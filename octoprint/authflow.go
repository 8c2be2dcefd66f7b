package octoprint

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"
)

// PairingState is the progress of an application key request.
type PairingState int

const (
	PairingIdle PairingState = iota
	PairingRequested
	PairingPolling
	PairingGranted
	PairingDenied
	PairingUnsupported
	PairingError
)

func (s PairingState) String() string {
	switch s {
	case PairingIdle:
		return "idle"
	case PairingRequested:
		return "requested"
	case PairingPolling:
		return "polling"
	case PairingGranted:
		return "granted"
	case PairingDenied:
		return "denied"
	case PairingUnsupported:
		return "unsupported"
	case PairingError:
		return "error"
	default:
		return "unknown"
	}
}

// PairingEvent is delivered for every pairing state change. APIKey is set on
// grant; AuthURL is set when the server offers a browser page to approve the
// request on.
type PairingEvent struct {
	InstanceID string
	State      PairingState
	APIKey     string
	AuthURL    string
}

// VerifyResult is the outcome of checking a user-supplied key against the
// settings endpoint. An unreachable server is reported as such instead of a
// rejected key, so the user is not told their key is wrong when the real
// problem is availability.
type VerifyResult struct {
	Reachable   bool
	Accepted    bool
	SDSupported bool
	Webcams     []Webcam
}

const pairingPollInterval = 500 * time.Millisecond

// AuthFlow runs the application key pairing protocol against one instance,
// with a legacy key-verification fallback for servers without the plugin.
type AuthFlow struct {
	instanceID string
	baseURL    string
	creds      auth
	client     *http.Client

	onEvent func(PairingEvent)

	mu     sync.Mutex
	state  PairingState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAuthFlow creates a pairing flow for the given instance. The onEvent
// callback runs on the flow's goroutine and must not block.
func NewAuthFlow(instanceID, baseURL, apiKey, userAgent string, onEvent func(PairingEvent)) *AuthFlow {
	client := newSession().client
	// Pairing requests never stream bodies, so a whole-exchange timeout is
	// safe here.
	client.Timeout = requestTimeout

	return &AuthFlow{
		instanceID: instanceID,
		baseURL:    baseURL,
		creds:      auth{apiKey: apiKey, userAgent: userAgent},
		client:     client,
		onEvent:    onEvent,
		state:      PairingIdle,
	}
}

// State returns the current pairing state.
func (a *AuthFlow) State() PairingState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AuthFlow) emit(state PairingState, apiKey, authURL string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	if a.onEvent != nil {
		a.onEvent(PairingEvent{
			InstanceID: a.instanceID,
			State:      state,
			APIKey:     apiKey,
			AuthURL:    authURL,
		})
	}
}

// Probe checks whether the server supports application keys. A 204 means
// yes; a 404 means the plugin is absent and the legacy path is the only
// option.
func (a *AuthFlow) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"plugin/appkeys/probe", nil)
	if err != nil {
		return false, err
	}
	a.creds.apply(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == 204, nil
}

// RequestKey begins pairing: the server shows the user an approval prompt
// and we poll until they decide. Any pairing already in flight is canceled
// first.
func (a *AuthFlow) RequestKey(appName string) {
	a.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.run(ctx, done, appName)
}

// Cancel aborts an in-flight pairing request and its polling. Idempotent,
// and safe on a never-started flow.
func (a *AuthFlow) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.done = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (a *AuthFlow) run(ctx context.Context, done chan struct{}, appName string) {
	defer close(done)

	body, err := jsonBody(map[string]interface{}{"app": appName})
	if err != nil {
		a.emit(PairingError, "", "")
		return
	}
	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"plugin/appkeys/request", body)
	if err != nil {
		a.emit(PairingError, "", "")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	a.creds.apply(req)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			a.emit(PairingError, "", "")
		}
		return
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	switch resp.StatusCode {
	case 201, 202:
	case 404:
		a.emit(PairingUnsupported, "", "")
		return
	default:
		logWarn("Pairing request rejected", "instance", a.instanceID, "status", resp.StatusCode)
		a.emit(PairingError, "", "")
		return
	}

	pollURL := resp.Header.Get("Location")
	var requestBody struct {
		AuthDialog string `json:"auth_dialog"`
		AppToken   string `json:"app_token"`
	}
	json.Unmarshal(data, &requestBody)
	if pollURL == "" && requestBody.AppToken != "" {
		pollURL = a.baseURL + "plugin/appkeys/request/" + requestBody.AppToken
	}
	if pollURL == "" {
		a.emit(PairingError, "", "")
		return
	}

	a.emit(PairingRequested, "", requestBody.AuthDialog)
	a.poll(ctx, pollURL)
}

// poll re-arms a one-shot timer between attempts so a slow response never
// stacks up behind the next tick.
func (a *AuthFlow) poll(ctx context.Context, pollURL string) {
	a.emit(PairingPolling, "", "")

	timer := time.NewTimer(pairingPollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		req, err := http.NewRequestWithContext(ctx, "GET", pollURL, nil)
		if err != nil {
			a.emit(PairingError, "", "")
			return
		}
		a.creds.apply(req)

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				a.emit(PairingError, "", "")
			}
			return
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch resp.StatusCode {
		case 202:
			// Still waiting on the user.
			timer.Reset(pairingPollInterval)
		case 200:
			var grant struct {
				APIKey string `json:"api_key"`
			}
			if err := json.Unmarshal(data, &grant); err != nil || grant.APIKey == "" {
				logWarn("Pairing grant without a key", "instance", a.instanceID)
				a.emit(PairingError, "", "")
				return
			}
			a.emit(PairingGranted, grant.APIKey, "")
			return
		case 404:
			a.emit(PairingDenied, "", "")
			return
		default:
			logWarn("Unexpected pairing poll response", "instance", a.instanceID, "status", resp.StatusCode)
			a.emit(PairingError, "", "")
			return
		}
	}
}

// VerifyKey checks a user-supplied key by fetching the settings dump with
// it. On acceptance the result carries the capability flags parsed from the
// body.
func (a *AuthFlow) VerifyKey(ctx context.Context, key string) VerifyResult {
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"api/settings", nil)
	if err != nil {
		return VerifyResult{}
	}
	creds := a.creds
	creds.apiKey = key
	creds.apply(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return VerifyResult{}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))

	switch {
	case resp.StatusCode == 200:
		result := VerifyResult{Reachable: true, Accepted: true}
		var payload settingsPayload
		if err := json.Unmarshal(data, &payload); err == nil {
			if payload.Feature.SDSupport != nil {
				result.SDSupported = *payload.Feature.SDSupport
			}
			result.Webcams = ParseWebcams(payload.Webcam, payload.Plugins, a.baseURL, a.creds.userName, a.creds.password)
		}
		return result
	case resp.StatusCode == 502 || resp.StatusCode == 503:
		// The frontend proxy answered for a server that is down.
		return VerifyResult{}
	default:
		return VerifyResult{Reachable: true}
	}
}

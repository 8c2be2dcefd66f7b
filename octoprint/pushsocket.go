package octoprint

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pushSocket listens on the server's SockJS push channel and forwards
// "current" messages into the client loop as tagged responses. It is an
// optional accelerator next to polling: any failure just closes the socket
// and leaves polling in charge, without surfacing an error.
type pushSocket struct {
	url       string
	creds     auth
	gen       uint64
	responses chan<- response
	stop      <-chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

func newPushSocket(baseURL string, creds auth, gen uint64, responses chan response, stop chan struct{}) *pushSocket {
	wsBase := strings.Replace(baseURL, "http", "ws", 1)
	return &pushSocket{
		url:       wsBase + "sockjs/websocket",
		creds:     creds,
		gen:       gen,
		responses: responses,
		stop:      stop,
		done:      make(chan struct{}),
	}
}

func (p *pushSocket) start() {
	go p.run()
}

func (p *pushSocket) close() {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	<-p.done
}

func (p *pushSocket) run() {
	defer close(p.done)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}
	header := http.Header{}
	if p.creds.userAgent != "" {
		header.Set("User-Agent", p.creds.userAgent)
	}
	if p.creds.apiKey != "" {
		header.Set("X-Api-Key", p.creds.apiKey)
	}

	conn, _, err := dialer.Dial(p.url, header)
	if err != nil {
		logDebug("Push socket unavailable", "url", p.url, "error", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.mu.Unlock()

	logDebug("Push socket connected", "url", p.url)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logDebug("Push socket closed", "error", err)
			return
		}
		p.handleFrame(data)
	}
}

// handleFrame decodes one SockJS frame: "o" open, "h" heartbeat, "a" an
// array of JSON-encoded messages.
func (p *pushSocket) handleFrame(data []byte) {
	if len(data) == 0 || data[0] != 'a' {
		return
	}

	var messages []string
	if err := json.Unmarshal(data[1:], &messages); err != nil {
		logDebug("Malformed push frame", "error", err)
		return
	}

	for _, message := range messages {
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal([]byte(message), &decoded); err != nil {
			continue
		}
		current, ok := decoded["current"]
		if !ok {
			continue
		}
		resp := response{kind: KindPushCurrent, gen: p.gen, status: 200, body: current}
		select {
		case p.responses <- resp:
		case <-p.stop:
			return
		}
	}
}

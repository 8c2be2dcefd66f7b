// Package discovery browses the local network for OctoPrint instances via
// mDNS/DNS-SD and reports add/remove events to its owner.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
)

// Logger is the minimal logging interface the discovery package uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var discoveryLogger Logger

// SetLogger sets the logger for the discovery package
func SetLogger(logger Logger) {
	discoveryLogger = logger
}

func logWarn(msg string, context ...interface{}) {
	if discoveryLogger != nil {
		discoveryLogger.Warn(msg, context...)
	}
}

func logInfo(msg string, context ...interface{}) {
	if discoveryLogger != nil {
		discoveryLogger.Info(msg, context...)
	}
}

const (
	serviceType = "_octoprint._tcp"
	domain      = "local."

	// maxConsecutiveFailures bounds the self-heal loop. After this many
	// restarts without a single received entry, auto-discovery is abandoned
	// for the session; manual instances keep working.
	maxConsecutiveFailures = 5
)

// OctoPrint advertises itself as `OctoPrint instance "name".host` or
// `OctoPrint instance on host`.
var instanceNameRe = regexp.MustCompile(`^OctoPrint instance ("(?:.*)"\.|on )(.*?)\.?$`)

// Browser watches the network for OctoPrint services. Add and remove
// callbacks are invoked from the browser's own goroutine.
type Browser struct {
	onAdd    func(name, address string, port int, properties map[string]string)
	onRemove func(name string)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	healthy atomic.Bool
}

// NewBrowser creates a browser that reports discovered instances through the
// given callbacks.
func NewBrowser(onAdd func(name, address string, port int, properties map[string]string), onRemove func(name string)) *Browser {
	return &Browser{onAdd: onAdd, onRemove: onRemove}
}

// Start begins browsing. Calling Start on a running browser restarts it.
func (b *Browser) Start() {
	b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go b.run(ctx, done)
}

// Stop cancels browsing and waits for the browse goroutine to exit. Stopping
// a stopped or never-started browser is a no-op.
func (b *Browser) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Healthy reports whether the browser has received at least one entry since
// it was last (re)started.
func (b *Browser) Healthy() bool {
	return b.healthy.Load()
}

// run is the keep-alive loop: it restarts the zeroconf backend when it dies,
// with exponential backoff, until the failure ceiling is reached.
func (b *Browser) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry count is bounded separately

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sawEntry := b.browseOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if sawEntry {
			failures = 0
			bo.Reset()
			logWarn("Zeroconf discovery died, restarting")
		} else {
			failures++
			if failures >= maxConsecutiveFailures {
				logWarn(fmt.Sprintf("Zeroconf discovery failed %d times, giving up on auto-discovery", failures))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// browseOnce runs a single browse session until the backend dies or the
// context is canceled. It reports whether any entry was received.
func (b *Browser) browseOnce(ctx context.Context) bool {
	b.healthy.Store(false)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logWarn("Failed to create zeroconf resolver", "error", err)
		return false
	}

	entries := make(chan *zeroconf.ServiceEntry, 8)
	var consumed sync.WaitGroup
	consumed.Add(1)
	go func() {
		defer consumed.Done()
		for entry := range entries {
			if entry == nil {
				continue
			}
			b.healthy.Store(true)
			b.handleEntry(entry)
		}
	}()

	logInfo("mDNS browse start: " + serviceType)
	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		logWarn("mDNS browse error", "error", err)
	}
	// Browse closes the entries channel on return; drain before restarting
	// so events are never handled out of order across sessions.
	consumed.Wait()

	return b.Healthy()
}

func (b *Browser) handleEntry(entry *zeroconf.ServiceEntry) {
	name := InstanceName(entry.Instance)

	// A goodbye packet announces the service going away.
	if entry.TTL == 0 {
		if b.onRemove != nil {
			b.onRemove(name)
		}
		return
	}

	address, ok := PickAddress(entry.AddrIPv4, entry.AddrIPv6)
	if !ok {
		logWarn("Discovered instance without a usable address", "name", name)
		return
	}

	properties := parseText(entry.Text)
	logInfo("Bonjour service added: " + name)
	if b.onAdd != nil {
		b.onAdd(name, address, entry.Port, properties)
	}
}

// InstanceName strips the advertisement boilerplate from a zeroconf instance
// name, leaving the user-visible instance name.
func InstanceName(advertised string) string {
	m := instanceNameRe.FindStringSubmatch(advertised)
	if m == nil {
		return advertised
	}
	if m[1] == "on " {
		return m[2]
	}
	return m[1] + m[2]
}

func parseText(text []string) map[string]string {
	properties := make(map[string]string, len(text))
	for _, kv := range text {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			properties[parts[0]] = parts[1]
		} else if parts[0] != "" {
			properties[parts[0]] = ""
		}
	}
	return properties
}

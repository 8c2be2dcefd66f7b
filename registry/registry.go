// Package registry maintains the set of known print-server instances,
// discovered and manual, and keeps exactly one of them connected: the one
// bound to the currently selected machine.
package registry

import (
	"fmt"
	"sync"

	"octoconnect/config"
	"octoconnect/discovery"
	"octoconnect/octoprint"
	"octoconnect/storage"
)

// Logger is the minimal logging interface the registry package uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

var registryLogger Logger

// SetLogger sets the logger for the registry package
func SetLogger(logger Logger) {
	registryLogger = logger
}

func logInfo(msg string, context ...interface{}) {
	if registryLogger != nil {
		registryLogger.Info(msg, context...)
	}
}

func logWarn(msg string, context ...interface{}) {
	if registryLogger != nil {
		registryLogger.Warn(msg, context...)
	}
}

// Registry owns the instance set and the discovery browser.
type Registry struct {
	provider  config.Provider
	store     *storage.Store
	callbacks *octoprint.Callbacks

	mu        sync.Mutex
	instances map[string]*octoprint.DeviceClient
	browser   *discovery.Browser
}

// New creates an empty registry. The callbacks are shared by every client
// the registry creates.
func New(provider config.Provider, store *storage.Store, callbacks *octoprint.Callbacks) *Registry {
	return &Registry{
		provider:  provider,
		store:     store,
		callbacks: callbacks,
		instances: make(map[string]*octoprint.DeviceClient),
	}
}

// StartDiscovery (re)starts instance discovery: previous discovery state is
// fully torn down, manual instances are re-added from the store, and the
// network browser is started when auto-discovery is enabled. Safe to call
// repeatedly.
func (r *Registry) StartDiscovery() error {
	r.mu.Lock()
	browser := r.browser
	r.browser = nil
	clients := r.takeAllLocked()
	r.mu.Unlock()

	// Tear down outside the lock; both calls block until their goroutines
	// are gone, and those goroutines call back into the registry.
	if browser != nil {
		browser.Stop()
	}
	for _, client := range clients {
		client.Close()
	}

	manual, err := r.store.ManualInstances()
	if err != nil {
		return fmt.Errorf("failed to load manual instances: %w", err)
	}
	for name, inst := range manual {
		r.addClient(name, inst.Address, inst.Port, inst.Path, inst.UseHTTPS,
			inst.UserName, inst.Password, nil)
	}

	if !r.provider.UseZeroconf() {
		logInfo("Auto-discovery disabled; using manual instances only")
		return nil
	}

	browser = discovery.NewBrowser(r.AddInstance, r.RemoveInstance)
	r.mu.Lock()
	r.browser = browser
	r.mu.Unlock()
	browser.Start()

	return nil
}

func (r *Registry) takeAllLocked() []*octoprint.DeviceClient {
	clients := make([]*octoprint.DeviceClient, 0, len(r.instances))
	for _, client := range r.instances {
		clients = append(clients, client)
	}
	r.instances = make(map[string]*octoprint.DeviceClient)
	return clients
}

// AddInstance registers a discovered instance. Re-adding an existing id
// replaces the previous client rather than duplicating it. If the id
// matches the active machine binding, the client is connected immediately.
func (r *Registry) AddInstance(name, address string, port int, properties map[string]string) {
	path := "/"
	if p, ok := properties["path"]; ok && p != "" {
		path = p
	}
	r.addClient(name, address, port, path, false, "", "", properties)
}

func (r *Registry) addClient(id, address string, port int, path string, useHTTPS bool, userName, password string, properties map[string]string) {
	client := octoprint.NewDeviceClient(id, address, port, path, useHTTPS, properties)
	client.SetUserAgent(r.provider.UserAgent())
	client.SetCallbacks(r.callbacks)
	if userName != "" {
		client.SetBasicAuth(userName, password)
	}

	r.mu.Lock()
	previous := r.instances[id]
	r.instances[id] = client
	r.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	logInfo("Instance registered", "instance", id, "address", address, "port", port)

	if r.provider.ActiveInstanceID() == id {
		r.activate(client)
	}
}

// activate configures credentials and options for the active machine and
// connects the client.
func (r *Registry) activate(client *octoprint.DeviceClient) {
	id := client.ID()
	client.SetAPIKey(r.provider.APIKey(id))

	meta := r.provider.ActiveMeta()
	client.SetPreferences(octoprint.Preferences{
		AutoPrint:            meta.AutoPrint,
		AutoSelect:           meta.AutoSelect,
		StoreOnSD:            meta.StoreSD,
		ConfirmUploadOptions: meta.ConfirmUploadOptions,
		TransferUFP:          meta.TransferUFP,
		PowerControl:         meta.PowerControl,
		PowerPlugID:          meta.PowerPlug,
		AutoConnect:          meta.AutoConnect,
		UsePushSocket:        r.provider.UsePushSocket(),
	})

	logInfo("Connecting active instance", "instance", id)
	client.Connect()
}

// RemoveInstance drops an instance, disconnecting it first. Unknown ids are
// ignored.
func (r *Registry) RemoveInstance(id string) {
	r.mu.Lock()
	client := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()

	if client == nil {
		return
	}
	client.Close()
	logInfo("Instance removed", "instance", id)
}

// AddManualInstance persists a manually configured instance and registers
// it. Re-adding an existing name replaces the stored entry.
func (r *Registry) AddManualInstance(name, address string, port int, path string, useHTTPS bool, userName, password string) error {
	err := r.store.SaveManualInstance(name, storage.ManualInstance{
		Address:  address,
		Port:     port,
		Path:     path,
		UseHTTPS: useHTTPS,
		UserName: userName,
		Password: password,
	})
	if err != nil {
		return err
	}

	r.addClient(name, address, port, path, useHTTPS, userName, password, nil)
	return nil
}

// RemoveManualInstance removes a manual instance from the store and the
// registry. Removing an unknown name is not an error.
func (r *Registry) RemoveManualInstance(name string) error {
	if err := r.store.DeleteManualInstance(name); err != nil {
		return err
	}
	r.RemoveInstance(name)
	return nil
}

// ReCheckConnections reconciles connections after the active machine
// changed: the instance matching the new binding is connected, every other
// one is closed. At most one instance ends up connected.
func (r *Registry) ReCheckConnections() {
	active := r.provider.ActiveInstanceID()

	r.mu.Lock()
	clients := make([]*octoprint.DeviceClient, 0, len(r.instances))
	for _, client := range r.instances {
		clients = append(clients, client)
	}
	r.mu.Unlock()

	var match *octoprint.DeviceClient
	for _, client := range clients {
		if client.ID() == active {
			match = client
			continue
		}
		client.Close()
	}
	if match != nil {
		r.activate(match)
	} else if active != "" {
		logWarn("Active machine bound to unknown instance", "instance", active)
	}
}

// Instance returns the client for an id, or nil.
func (r *Registry) Instance(id string) *octoprint.DeviceClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[id]
}

// Instances returns a snapshot of all registered clients.
func (r *Registry) Instances() []*octoprint.DeviceClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := make([]*octoprint.DeviceClient, 0, len(r.instances))
	for _, client := range r.instances {
		clients = append(clients, client)
	}
	return clients
}

// Stop tears down discovery and disconnects every instance.
func (r *Registry) Stop() {
	r.mu.Lock()
	browser := r.browser
	r.browser = nil
	clients := r.takeAllLocked()
	r.mu.Unlock()

	if browser != nil {
		browser.Stop()
	}
	for _, client := range clients {
		client.Close()
	}
}

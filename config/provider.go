package config

import (
	"encoding/base64"
	"fmt"
	"sync"
)

// MachineMeta is the resolved per-machine metadata the device layer consumes.
// The API key is stored obfuscated and exposed here in the clear.
type MachineMeta struct {
	InstanceID           string
	APIKey               string
	AutoPrint            bool
	AutoSelect           bool
	StoreSD              bool
	ShowCamera           bool
	ConfirmUploadOptions bool
	PowerControl         bool
	PowerPlug            string
	AutoConnect          bool
	TransferUFP          bool
}

// KeyStore persists the per-instance API key cache. Implemented by the
// storage package.
type KeyStore interface {
	APIKey(instanceID string) (string, error)
	SetAPIKey(instanceID, key string) error
}

// Provider is the injected view of host-application state the core uses
// instead of reaching into a process-wide settings singleton.
type Provider interface {
	// ActiveInstanceID returns the instance id bound to the selected machine,
	// or "" when none is bound.
	ActiveInstanceID() string
	// ActiveMeta returns the metadata of the selected machine.
	ActiveMeta() MachineMeta
	// SetActiveInstanceID rebinds the selected machine to an instance.
	SetActiveInstanceID(id string) error
	// APIKey returns the cached key for an instance, preferring the active
	// machine's own key when the ids match.
	APIKey(instanceID string) string
	// SetAPIKey caches a key for an instance and, when it is the active one,
	// stores it on the machine as well.
	SetAPIKey(instanceID, key string) error
	// UseZeroconf reports whether auto-discovery is enabled.
	UseZeroconf() bool
	// UsePushSocket reports whether the push channel supplement is enabled.
	UsePushSocket() bool
	// UserAgent returns the User-Agent header sent with every request.
	UserAgent() string
}

// ConnectorVersion identifies this component in the User-Agent header.
const ConnectorVersion = "1.0.0"

// fileProvider implements Provider over a loaded Config plus a KeyStore.
type fileProvider struct {
	mu    sync.RWMutex
	cfg   *Config
	store KeyStore
}

// NewProvider wraps a Config and a key store into a Provider.
func NewProvider(cfg *Config, store KeyStore) Provider {
	return &fileProvider{cfg: cfg, store: store}
}

func (p *fileProvider) ActiveInstanceID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Machine.OctoPrintID
}

func (p *fileProvider) SetActiveInstanceID(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Machine.OctoPrintID = id
	return nil
}

func (p *fileProvider) ActiveMeta() MachineMeta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := p.cfg.Machine
	return MachineMeta{
		InstanceID:           m.OctoPrintID,
		APIKey:               DeobfuscateString(m.APIKey),
		AutoPrint:            m.AutoPrint,
		AutoSelect:           m.AutoSelect,
		StoreSD:              m.StoreSD,
		ShowCamera:           m.ShowCamera,
		ConfirmUploadOptions: m.ConfirmUploadOptions,
		PowerControl:         m.PowerControl,
		PowerPlug:            m.PowerPlug,
		AutoConnect:          m.AutoConnect,
		TransferUFP:          m.TransferUFP,
	}
}

func (p *fileProvider) APIKey(instanceID string) string {
	p.mu.RLock()
	active := p.cfg.Machine.OctoPrintID
	machineKey := p.cfg.Machine.APIKey
	p.mu.RUnlock()

	if instanceID == active && machineKey != "" {
		return DeobfuscateString(machineKey)
	}
	if p.store != nil {
		if key, err := p.store.APIKey(instanceID); err == nil {
			return key
		}
	}
	return ""
}

func (p *fileProvider) SetAPIKey(instanceID, key string) error {
	p.mu.Lock()
	if instanceID == p.cfg.Machine.OctoPrintID {
		p.cfg.Machine.APIKey = ObfuscateString(key)
	}
	p.mu.Unlock()

	if p.store != nil {
		return p.store.SetAPIKey(instanceID, key)
	}
	return nil
}

func (p *fileProvider) UseZeroconf() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Connector.UseZeroconf
}

func (p *fileProvider) UsePushSocket() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Connector.PushSocket
}

func (p *fileProvider) UserAgent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("%s/%s OctoConnect/%s",
		p.cfg.Connector.AppName, p.cfg.Connector.AppVersion, ConnectorVersion)
}

// ObfuscateString base64-wraps a secret for storage. This is obfuscation,
// not encryption; it only keeps keys from being shoulder-read in config files.
func ObfuscateString(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DeobfuscateString undoes ObfuscateString. Values that were never encoded
// are returned as-is.
func DeobfuscateString(s string) string {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(decoded)
}

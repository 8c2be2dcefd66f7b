package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	keysCacheKey       = "keys_cache"
	manualInstancesKey = "manual_instances"
)

// ManualInstance describes a manually configured print server. The JSON
// field names match the blob format the host application has always used,
// so an existing store keeps working.
type ManualInstance struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Path     string `json:"path"`
	UseHTTPS bool   `json:"useHttps"`
	UserName string `json:"userName,omitempty"`
	Password string `json:"password,omitempty"`
}

// ManualInstances returns the manual instance list keyed by name. A missing
// or unreadable blob yields an empty map rather than an error, so one bad
// entry never takes manual instances down with it.
func (s *Store) ManualInstances() (map[string]ManualInstance, error) {
	blob, ok, err := s.Get(manualInstancesKey)
	if err != nil {
		return nil, err
	}
	instances := make(map[string]ManualInstance)
	if !ok || blob == "" {
		return instances, nil
	}
	if err := json.Unmarshal([]byte(blob), &instances); err != nil {
		if storageLogger != nil {
			storageLogger.Warn("Discarding unreadable manual instance list", "error", err)
		}
		return make(map[string]ManualInstance), nil
	}
	return instances, nil
}

// SaveManualInstance adds or replaces a manual instance.
func (s *Store) SaveManualInstance(name string, inst ManualInstance) error {
	instances, err := s.ManualInstances()
	if err != nil {
		return err
	}
	instances[name] = inst
	return s.writeManualInstances(instances)
}

// DeleteManualInstance removes a manual instance. Removing an unknown name
// is not an error.
func (s *Store) DeleteManualInstance(name string) error {
	instances, err := s.ManualInstances()
	if err != nil {
		return err
	}
	if _, ok := instances[name]; !ok {
		return nil
	}
	delete(instances, name)
	return s.writeManualInstances(instances)
}

func (s *Store) writeManualInstances(instances map[string]ManualInstance) error {
	// An empty list drops the key entirely, so removing the last instance
	// restores a never-configured store byte for byte.
	if len(instances) == 0 {
		return s.Delete(manualInstancesKey)
	}
	blob, err := json.Marshal(instances)
	if err != nil {
		return fmt.Errorf("failed to encode manual instances: %w", err)
	}
	return s.Set(manualInstancesKey, string(blob))
}

// keyCache loads the API key cache. The cache is stored as a base64-wrapped
// JSON object, the same obfuscated format the host application uses for its
// keys_cache preference.
func (s *Store) keyCache() (map[string]string, error) {
	blob, ok, err := s.Get(keysCacheKey)
	if err != nil {
		return nil, err
	}
	cache := make(map[string]string)
	if !ok || blob == "" {
		return cache, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		decoded = []byte(blob)
	}
	if err := json.Unmarshal(decoded, &cache); err != nil {
		if storageLogger != nil {
			storageLogger.Warn("Discarding unreadable API key cache", "error", err)
		}
		return make(map[string]string), nil
	}
	return cache, nil
}

// APIKey returns the cached key for an instance, or "" when none is cached.
func (s *Store) APIKey(instanceID string) (string, error) {
	cache, err := s.keyCache()
	if err != nil {
		return "", err
	}
	return cache[instanceID], nil
}

// SetAPIKey caches a key for an instance.
func (s *Store) SetAPIKey(instanceID, key string) error {
	cache, err := s.keyCache()
	if err != nil {
		return err
	}
	cache[instanceID] = key
	blob, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to encode API key cache: %w", err)
	}
	return s.Set(keysCacheKey, base64.StdEncoding.EncodeToString(blob))
}

package octoprint

import (
	"encoding/json"
	"fmt"
	"strings"
)

// plugPlugin describes how one smart-plug plugin lays out its settings and
// its toggle commands. The fields list holds the keys that distinguish one
// plug from another on the same plugin; their values are echoed back in the
// toggle command. The requires list holds keys that must be configured for
// the plug to be usable at all.
type plugPlugin struct {
	pluginID    string
	displayName string
	listKey     string // empty for single-plug plugins
	requires    []string
	fields      []string
	onCmd       string
	offCmd      string
}

var plugPlugins = []plugPlugin{
	{pluginID: "psucontrol", displayName: "PSU Control", onCmd: "turnPSUOn", offCmd: "turnPSUOff"},
	{pluginID: "mystromswitch", displayName: "MyStrom Switch", requires: []string{"ip"}, onCmd: "enableRelais", offCmd: "disableRelais"},
	{pluginID: "ikea_tradfri", displayName: "IKEA Trådfri", requires: []string{"gateway_ip", "selected_outlet"}, onCmd: "turnOn", offCmd: "turnOff"},
	{pluginID: "tplinksmartplug", displayName: "TP-Link Smartplug", listKey: "arrSmartplugs", requires: []string{"ip"}, fields: []string{"ip"}, onCmd: "turnOn", offCmd: "turnOff"},
	{pluginID: "orvibos20", displayName: "Orvibo S20", listKey: "arrSmartplugs", requires: []string{"ip"}, fields: []string{"ip"}, onCmd: "turnOn", offCmd: "turnOff"},
	{pluginID: "wemoswitch", displayName: "Wemo Switch", listKey: "arrSmartplugs", requires: []string{"ip"}, fields: []string{"ip"}, onCmd: "turnOn", offCmd: "turnOff"},
	{pluginID: "tuyasmartplug", displayName: "Tuya Smartplug", listKey: "arrSmartplugs", requires: []string{"ip"}, fields: []string{"label"}, onCmd: "turnOn", offCmd: "turnOff"},
	{pluginID: "domoticz", displayName: "Domoticz", listKey: "arrSmartplugs", requires: []string{"ip"}, fields: []string{"ip", "idx", "username", "password"}, onCmd: "turnOn", offCmd: "turnOff"},
	{pluginID: "tasmota", displayName: "Tasmota", listKey: "arrSmartplugs", requires: []string{"ip"}, fields: []string{"ip", "idx"}, onCmd: "turnOn", offCmd: "turnOff"},
	{pluginID: "tasmota_mqtt", displayName: "Tasmota MQTT", listKey: "arrRelays", requires: []string{"topic", "relayN"}, fields: []string{"topic", "relayN"}, onCmd: "turnOn", offCmd: "turnOff"},
}

// PlugDescriptor identifies one controllable smart plug. The ID is derived
// from the plugin id and the plug's distinguishing field values, never its
// display label, so the same physical plug keeps the same id across settings
// refreshes and renames.
type PlugDescriptor struct {
	PluginID string
	ID       string
	Name     string

	onCmd  string
	offCmd string
	args   map[string]interface{}
}

// Command returns the body to POST to the plugin endpoint to switch the
// plug.
func (d PlugDescriptor) Command(on bool) map[string]interface{} {
	body := make(map[string]interface{}, len(d.args)+1)
	command := d.offCmd
	if on {
		command = d.onCmd
	}
	body["command"] = command
	for key, value := range d.args {
		body[key] = value
	}
	return body
}

// ParsePlugs extracts the available smart plugs from the plugins section of
// a settings payload. A plugin whose settings are missing the expected
// sub-keys is skipped; it never fails the parse for the others.
func ParsePlugs(plugins map[string]json.RawMessage) []PlugDescriptor {
	var result []PlugDescriptor

	for _, def := range plugPlugins {
		raw, ok := plugins[def.pluginID]
		if !ok {
			continue
		}

		var settings map[string]json.RawMessage
		if err := json.Unmarshal(raw, &settings); err != nil {
			logDebug("Skipping unreadable plug plugin settings", "plugin", def.pluginID, "error", err)
			continue
		}

		if def.listKey == "" {
			if !hasRequiredKeys(def, rawValues(settings)) {
				continue
			}
			result = append(result, PlugDescriptor{
				PluginID: def.pluginID,
				ID:       def.pluginID,
				Name:     def.displayName,
				onCmd:    def.onCmd,
				offCmd:   def.offCmd,
			})
			continue
		}

		listRaw, ok := settings[def.listKey]
		if !ok {
			continue
		}
		var entries []map[string]interface{}
		if err := json.Unmarshal(listRaw, &entries); err != nil {
			logDebug("Skipping unreadable plug list", "plugin", def.pluginID, "error", err)
			continue
		}

		for _, entry := range entries {
			descriptor, ok := buildPlug(def, entry)
			if !ok {
				continue
			}
			result = append(result, descriptor)
		}
	}

	return result
}

func buildPlug(def plugPlugin, entry map[string]interface{}) (PlugDescriptor, bool) {
	if !hasRequiredKeys(def, entry) {
		return PlugDescriptor{}, false
	}

	args := make(map[string]interface{}, len(def.fields))
	idParts := make([]string, 0, len(def.fields)+1)
	idParts = append(idParts, def.pluginID)

	for _, field := range def.fields {
		value, ok := entry[field]
		if !ok {
			value = ""
		}
		args[field] = value
		idParts = append(idParts, stringifyPlugValue(value))
	}

	name := def.displayName
	if raw, ok := entry["label"]; ok {
		if label, ok := raw.(string); ok && label != "" {
			name = label + " (" + def.displayName + ")"
		}
	}

	return PlugDescriptor{
		PluginID: def.pluginID,
		ID:       strings.Join(idParts, "/"),
		Name:     name,
		onCmd:    def.onCmd,
		offCmd:   def.offCmd,
		args:     args,
	}, true
}

func hasRequiredKeys(def plugPlugin, entry map[string]interface{}) bool {
	for _, key := range def.requires {
		value, ok := entry[key]
		if !ok {
			return false
		}
		if s, isString := value.(string); isString && s == "" {
			return false
		}
	}
	return true
}

// rawValues converts a raw settings object into comparable values so the
// same required-key check works for single-plug plugins.
func rawValues(settings map[string]json.RawMessage) map[string]interface{} {
	values := make(map[string]interface{}, len(settings))
	for key, raw := range settings {
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		if value != nil {
			values[key] = value
		}
	}
	return values
}

func stringifyPlugValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; plug indices are whole numbers.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

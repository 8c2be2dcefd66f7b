package octoprint

import (
	"encoding/json"
	"testing"
)

func rawPlugins(t *testing.T, body string) map[string]json.RawMessage {
	t.Helper()
	var plugins map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &plugins); err != nil {
		t.Fatal(err)
	}
	return plugins
}

func TestParsePlugs(t *testing.T) {
	t.Parallel()

	plugins := rawPlugins(t, `{
		"psucontrol": {},
		"mystromswitch": {"ip": "10.0.0.4"},
		"ikea_tradfri": {"gateway_ip": "10.0.0.1", "selected_outlet": 65537},
		"tplinksmartplug": {"arrSmartplugs": [
			{"ip": "10.0.0.5", "label": "Printer plug"},
			{"ip": "10.0.0.6", "label": "Light"}
		]},
		"tasmota_mqtt": {"arrRelays": [
			{"topic": "sonoff-1", "relayN": 2}
		]},
		"unrelated": {"foo": "bar"}
	}`)

	plugs := ParsePlugs(plugins)
	if len(plugs) != 6 {
		t.Fatalf("plug count = %d, want 6: %+v", len(plugs), plugs)
	}

	byID := make(map[string]PlugDescriptor, len(plugs))
	for _, plug := range plugs {
		byID[plug.ID] = plug
	}

	if _, ok := byID["psucontrol"]; !ok {
		t.Error("missing psucontrol plug")
	}
	if _, ok := byID["mystromswitch"]; !ok {
		t.Error("missing mystromswitch plug")
	}
	if _, ok := byID["ikea_tradfri"]; !ok {
		t.Error("missing ikea_tradfri plug")
	}
	plug, ok := byID["tplinksmartplug/10.0.0.5"]
	if !ok {
		t.Fatalf("missing tplink plug: %v", byID)
	}
	if plug.Name != "Printer plug (TP-Link Smartplug)" {
		t.Errorf("plug name = %q", plug.Name)
	}
	if _, ok := byID["tasmota_mqtt/sonoff-1/2"]; !ok {
		t.Errorf("missing tasmota_mqtt plug: %v", byID)
	}
}

func TestParsePlugsRequiresConfiguredKeys(t *testing.T) {
	t.Parallel()

	plugs := ParsePlugs(rawPlugins(t, `{
		"mystromswitch": {"ip": ""},
		"ikea_tradfri": {"gateway_ip": "10.0.0.1"}
	}`))
	if len(plugs) != 0 {
		t.Errorf("unconfigured plugins listed: %+v", plugs)
	}
}

func TestPlugIDStableAcrossRename(t *testing.T) {
	t.Parallel()

	before := ParsePlugs(rawPlugins(t, `{"tplinksmartplug": {"arrSmartplugs": [{"ip": "10.0.0.5", "label": "Old name"}]}}`))
	after := ParsePlugs(rawPlugins(t, `{"tplinksmartplug": {"arrSmartplugs": [{"ip": "10.0.0.5", "label": "New name"}]}}`))

	if len(before) != 1 || len(after) != 1 {
		t.Fatalf("plug counts = %d/%d, want 1/1", len(before), len(after))
	}
	if before[0].ID != after[0].ID {
		t.Errorf("id changed across rename: %q vs %q", before[0].ID, after[0].ID)
	}
	if after[0].Name != "New name (TP-Link Smartplug)" {
		t.Errorf("name = %q", after[0].Name)
	}
}

func TestParsePlugsSkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	plugins := rawPlugins(t, `{
		"tplinksmartplug": {"arrSmartplugs": [
			{"label": "No ip here"},
			{"ip": "10.0.0.7", "label": "Valid"}
		]},
		"tasmota": {"somethingElse": true},
		"domoticz": "not even an object"
	}`)

	plugs := ParsePlugs(plugins)
	if len(plugs) != 1 {
		t.Fatalf("plug count = %d, want 1: %+v", len(plugs), plugs)
	}
	if plugs[0].ID != "tplinksmartplug/10.0.0.7" {
		t.Errorf("plug id = %q", plugs[0].ID)
	}
}

func TestPlugCommands(t *testing.T) {
	t.Parallel()

	plugs := ParsePlugs(rawPlugins(t, `{
		"psucontrol": {},
		"mystromswitch": {"ip": "10.0.0.4"},
		"tasmota": {"arrSmartplugs": [{"ip": "10.0.0.9", "idx": 1, "label": "Relay"}]},
		"domoticz": {"arrSmartplugs": [{"ip": "10.0.0.2", "idx": 3, "username": "u", "password": "p"}]}
	}`))

	byPlugin := make(map[string]PlugDescriptor, len(plugs))
	for _, plug := range plugs {
		byPlugin[plug.PluginID] = plug
	}

	on := byPlugin["psucontrol"].Command(true)
	if on["command"] != "turnPSUOn" {
		t.Errorf("psu on command = %v", on)
	}
	off := byPlugin["psucontrol"].Command(false)
	if off["command"] != "turnPSUOff" {
		t.Errorf("psu off command = %v", off)
	}

	mystrom := byPlugin["mystromswitch"].Command(true)
	if mystrom["command"] != "enableRelais" || len(mystrom) != 1 {
		t.Errorf("mystrom command = %v", mystrom)
	}

	cmd := byPlugin["tasmota"].Command(true)
	if cmd["command"] != "turnOn" || cmd["ip"] != "10.0.0.9" || cmd["idx"] != float64(1) {
		t.Errorf("tasmota command = %v", cmd)
	}

	dom := byPlugin["domoticz"].Command(false)
	if dom["command"] != "turnOff" || dom["username"] != "u" || dom["password"] != "p" {
		t.Errorf("domoticz command = %v", dom)
	}
}

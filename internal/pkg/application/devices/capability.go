package devices

import (
	"math"

	"github.com/samber/lo"
)

const (
	CapabilityOnOff        = "devices.capabilities.on_off"
	CapabilityRange        = "devices.capabilities.range"
	CapabilityColorSetting = "devices.capabilities.color_setting"
	CapabilityMode         = "devices.capabilities.mode"
)

// Capability is an actuator exposed by a device endpoint. State reads
// the hub-side data map and produces the voice-assistant state object;
// Action translates an incoming action payload into the hub-native
// partial state update to publish.
type Capability interface {
	Type() string
	Instance() string
	Parameters() map[string]any
	Data() map[string]any
	Updated() bool
	SetUpdated(bool)

	State() map[string]any
	Action(state map[string]any) map[string]any
}

type capability struct {
	typ        string
	instance   string
	parameters map[string]any
	data       map[string]any
	updated    bool
}

func newCapability(typ, instance string) capability {
	return capability{
		typ:        typ,
		instance:   instance,
		parameters: map[string]any{},
		data:       map[string]any{},
	}
}

func (c *capability) Type() string               { return c.typ }
func (c *capability) Instance() string           { return c.instance }
func (c *capability) Parameters() map[string]any { return c.parameters }
func (c *capability) Data() map[string]any       { return c.data }
func (c *capability) Updated() bool              { return c.updated }
func (c *capability) SetUpdated(value bool)      { c.updated = value }

func toFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint8:
		return float64(v)
	}
	return 0
}

func toString(value any) string {
	s, _ := value.(string)
	return s
}

func toBool(value any) bool {
	b, _ := value.(bool)
	return b
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Switch toggles the hub-side status between "on" and "off".
type Switch struct {
	capability
}

func NewSwitch() *Switch {
	c := &Switch{capability: newCapability(CapabilityOnOff, "on")}
	c.data["status"] = nil
	return c
}

func (c *Switch) State() map[string]any {
	return map[string]any{"instance": "on", "value": toString(c.data["status"]) == "on"}
}

func (c *Switch) Action(state map[string]any) map[string]any {
	if toBool(state["value"]) {
		return map[string]any{"status": "on"}
	}
	return map[string]any{"status": "off"}
}

// Brightness maps the hub's 0..255 level to a 1..100 percent range.
type Brightness struct {
	capability
}

func NewBrightness() *Brightness {
	c := &Brightness{capability: newCapability(CapabilityRange, "brightness")}
	c.parameters["instance"] = "brightness"
	c.parameters["range"] = map[string]any{"min": 1, "max": 100}
	c.parameters["unit"] = "unit.percent"
	c.data["level"] = nil
	return c
}

func (c *Brightness) State() map[string]any {
	return map[string]any{"instance": "brightness", "value": math.Round(toFloat(c.data["level"]) / 2.55)}
}

func (c *Brightness) Action(state map[string]any) map[string]any {
	value := toFloat(state["value"]) * 2.55

	if toBool(state["relative"]) {
		value += toFloat(c.data["level"])
	}

	return map[string]any{"level": math.Round(clamp(value, 2.55, 255))}
}

// Curtain drives a cover through its on/off alias (on = open).
type Curtain struct {
	capability
}

func NewCurtain() *Curtain {
	c := &Curtain{capability: newCapability(CapabilityOnOff, "on")}
	c.data["cover"] = nil
	return c
}

func (c *Curtain) State() map[string]any {
	return map[string]any{"instance": "on", "value": toString(c.data["cover"]) == "open"}
}

func (c *Curtain) Action(state map[string]any) map[string]any {
	if toBool(state["value"]) {
		return map[string]any{"cover": "open"}
	}
	return map[string]any{"cover": "close"}
}

// Open is the 0..100 percent position of a cover.
type Open struct {
	capability
}

func NewOpen() *Open {
	c := &Open{capability: newCapability(CapabilityRange, "open")}
	c.parameters["instance"] = "open"
	c.parameters["range"] = map[string]any{"min": 0, "max": 100}
	c.parameters["unit"] = "unit.percent"
	c.data["position"] = nil
	return c
}

func (c *Open) State() map[string]any {
	return map[string]any{"instance": "open", "value": math.Round(toFloat(c.data["position"]))}
}

func (c *Open) Action(state map[string]any) map[string]any {
	value := toFloat(state["value"])

	if toBool(state["relative"]) {
		value += toFloat(c.data["position"])
	}

	return map[string]any{"position": math.Round(clamp(value, 0, 100))}
}

// ThermostatPower switches a thermostat between "off" and the last
// known operating mode. Endpoint.HandleValue keeps onValue in sync
// with the latest non-off mode reported by the hub.
type ThermostatPower struct {
	capability
	onValue any
}

func NewThermostatPower(onValue any) *ThermostatPower {
	c := &ThermostatPower{capability: newCapability(CapabilityOnOff, "on"), onValue: onValue}
	c.data["systemMode"] = nil
	return c
}

func (c *ThermostatPower) SetOnValue(value any) { c.onValue = value }

func (c *ThermostatPower) State() map[string]any {
	mode := toString(c.data["systemMode"])
	return map[string]any{"instance": "on", "value": mode != "" && mode != "off"}
}

func (c *ThermostatPower) Action(state map[string]any) map[string]any {
	if toBool(state["value"]) {
		return map[string]any{"systemMode": c.onValue}
	}
	return map[string]any{"systemMode": "off"}
}

// thermostat mode names differ between the hub ("fan") and the voice
// assistant ("fan_only") vocabularies.
func thermostatModeToWire(mode string) string {
	if mode == "fan" {
		return "fan_only"
	}
	return mode
}

func thermostatModeFromWire(mode string) string {
	if mode == "fan_only" {
		return "fan"
	}
	return mode
}

// ThermostatMode reports and selects the thermostat operating mode.
type ThermostatMode struct {
	capability
}

func NewThermostatMode(modes []string) *ThermostatMode {
	c := &ThermostatMode{capability: newCapability(CapabilityMode, "thermostat")}
	c.parameters["instance"] = "thermostat"
	c.parameters["modes"] = modeList(lo.Map(modes, func(m string, _ int) string { return thermostatModeToWire(m) }))
	c.data["systemMode"] = nil
	return c
}

func (c *ThermostatMode) State() map[string]any {
	return map[string]any{"instance": "thermostat", "value": thermostatModeToWire(toString(c.data["systemMode"]))}
}

func (c *ThermostatMode) Action(state map[string]any) map[string]any {
	return map[string]any{"systemMode": thermostatModeFromWire(toString(state["value"]))}
}

// Temperature is the thermostat setpoint; range and precision come
// from the hub's targetTemperature options.
type Temperature struct {
	capability
}

func NewTemperature(options map[string]any) *Temperature {
	option := toMap(options["targetTemperature"])

	step := 1.0
	if s, ok := option["step"]; ok {
		step = toFloat(s)
	}

	c := &Temperature{capability: newCapability(CapabilityRange, "temperature")}
	c.parameters["instance"] = "temperature"
	c.parameters["range"] = map[string]any{"min": toFloat(option["min"]), "max": toFloat(option["max"]), "precision": step}
	c.parameters["unit"] = "unit.temperature.celsius"
	c.data["targetTemperature"] = nil
	return c
}

func (c *Temperature) State() map[string]any {
	return map[string]any{"instance": "temperature", "value": toFloat(c.data["targetTemperature"])}
}

func (c *Temperature) Action(state map[string]any) map[string]any {
	value := toFloat(state["value"])

	if toBool(state["relative"]) {
		value += toFloat(c.data["targetTemperature"])
	}

	return map[string]any{"targetTemperature": math.Round(value)}
}

// Mode is the shared shape of the fan/heat/swing mode capabilities:
// the hub enum filtered against the assistant's vocabulary, with
// pass-through state and action.
type Mode struct {
	capability
	dataKey string
}

var (
	fanModes   = []string{"auto", "low", "medium", "high", "turbo", "quiet"}
	heatModes  = []string{"auto", "min", "normal", "max", "turbo"}
	swingModes = []string{"auto", "horizontal", "vertical", "stationary"}
)

func newMode(instance, dataKey string, enum []string, allowed []string) *Mode {
	c := &Mode{capability: newCapability(CapabilityMode, instance), dataKey: dataKey}
	c.parameters["instance"] = instance
	c.parameters["modes"] = modeList(lo.Filter(enum, func(m string, _ int) bool { return lo.Contains(allowed, m) }))
	c.data[dataKey] = nil
	return c
}

func NewFanMode(enum []string) *Mode {
	return newMode("fan_speed", "fanMode", enum, fanModes)
}

func NewHeatMode(enum []string) *Mode {
	return newMode("heat", "heatMode", enum, heatModes)
}

func NewSwingMode(enum []string) *Mode {
	return newMode("swing", "swingMode", enum, swingModes)
}

func (c *Mode) State() map[string]any {
	return map[string]any{"instance": c.instance, "value": toString(c.data[c.dataKey])}
}

func (c *Mode) Action(state map[string]any) map[string]any {
	return map[string]any{c.dataKey: toString(state["value"])}
}

func modeList(modes []string) []any {
	list := make([]any, 0, len(modes))
	for _, m := range modes {
		list = append(list, map[string]any{"value": m})
	}
	return list
}

func toMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}

package devices

import "strconv"

const (
	PropertyFloat = "devices.properties.float"
	PropertyEvent = "devices.properties.event"
)

// Property is a read-only sensor value or event source on an endpoint.
// Float properties carry a unit and an optional divider applied when
// reporting; event properties translate hub values to the assistant's
// event vocabulary and only report declared events.
//
// The hub addresses a property by its data key, the assistant by its
// instance; the two often differ (e.g. "co2" vs "co2_level").
type Property struct {
	typ        string
	instance   string
	key        string
	unit       string
	divider    float64
	events     map[string]string
	eventOrder []string
	value      any
	updated    bool
}

func newFloatProperty(instance, key, unit string, divider float64) *Property {
	return &Property{typ: PropertyFloat, instance: instance, key: key, unit: unit, divider: divider}
}

func newEventProperty(instance, key string) *Property {
	return &Property{typ: PropertyEvent, instance: instance, key: key, events: map[string]string{}}
}

func (p *Property) declareEvent(hubValue, wireEvent string) {
	if _, ok := p.events[hubValue]; ok {
		return
	}
	p.events[hubValue] = wireEvent
	p.eventOrder = append(p.eventOrder, hubValue)
}

func (p *Property) Type() string      { return p.typ }
func (p *Property) Instance() string  { return p.instance }
func (p *Property) Key() string       { return p.key }
func (p *Property) Value() any        { return p.value }
func (p *Property) SetValue(v any)    { p.value = v }
func (p *Property) Updated() bool     { return p.updated }
func (p *Property) SetUpdated(v bool) { p.updated = v }

func (p *Property) Event() bool { return p.typ == PropertyEvent }

func (p *Property) DeclaredEvent(value any) bool {
	_, ok := p.events[eventKey(value)]
	return ok
}

// eventKey normalizes a hub value for event lookup; binary sensors
// report booleans, buttons report strings.
func eventKey(value any) string {
	if b, ok := value.(bool); ok {
		return strconv.FormatBool(b)
	}
	return toString(value)
}

func (p *Property) Parameters() map[string]any {
	parameters := map[string]any{"instance": p.instance}

	if p.Event() {
		events := make([]any, 0, len(p.eventOrder))
		for _, hubValue := range p.eventOrder {
			events = append(events, map[string]any{"value": p.events[hubValue]})
		}
		parameters["events"] = events
	} else {
		parameters["unit"] = p.unit
	}

	return parameters
}

// Valid reports whether the property currently holds a reportable
// value. Event properties are only valid while holding a declared
// event.
func (p *Property) Valid() bool {
	if p.value == nil {
		return false
	}

	if p.Event() {
		return p.DeclaredEvent(p.value)
	}

	return true
}

func (p *Property) State() map[string]any {
	if p.Event() {
		return map[string]any{"instance": p.instance, "value": p.events[eventKey(p.value)]}
	}

	value := toFloat(p.value)
	if p.divider > 0 {
		value /= p.divider
	}

	return map[string]any{"instance": p.instance, "value": value}
}

func NewTemperatureProperty() *Property {
	return newFloatProperty("temperature", "temperature", "unit.temperature.celsius", 0)
}

func NewPressureProperty() *Property {
	// the hub reports kPa, the assistant wants mmHg
	return newFloatProperty("pressure", "pressure", "unit.pressure.mmhg", 0.1333)
}

func NewHumidityProperty() *Property {
	return newFloatProperty("humidity", "humidity", "unit.percent", 0)
}

func NewCO2Property() *Property {
	return newFloatProperty("co2_level", "co2", "unit.ppm", 0)
}

func NewPM1Property() *Property {
	return newFloatProperty("pm1_density", "pm1", "unit.density.mcg_m3", 0)
}

func NewPM10Property() *Property {
	return newFloatProperty("pm10_density", "pm10", "unit.density.mcg_m3", 0)
}

func NewPM25Property() *Property {
	return newFloatProperty("pm2.5_density", "pm25", "unit.density.mcg_m3", 0)
}

func NewVOCProperty() *Property {
	return newFloatProperty("tvoc", "voc", "unit.density.mcg_m3", 0)
}

func NewIlluminanceProperty() *Property {
	return newFloatProperty("illumination", "illuminance", "unit.illumination.lux", 0)
}

func NewVolumeProperty() *Property {
	// litres on the hub side
	return newFloatProperty("water_meter", "volume", "unit.cubic_meter", 1000)
}

func NewEnergyProperty() *Property {
	return newFloatProperty("electricity_meter", "energy", "unit.kilowatt_hour", 0)
}

func NewVoltageProperty() *Property {
	return newFloatProperty("voltage", "voltage", "unit.volt", 0)
}

func NewCurrentProperty() *Property {
	return newFloatProperty("amperage", "current", "unit.ampere", 0)
}

func NewPowerProperty() *Property {
	return newFloatProperty("power", "power", "unit.watt", 0)
}

func NewBatteryProperty() *Property {
	return newFloatProperty("battery_level", "battery", "unit.percent", 0)
}

// NewButtonProperty declares the click events present in the hub's
// action enum.
func NewButtonProperty(actions []string) *Property {
	p := newEventProperty("button", "action")

	for _, action := range actions {
		switch action {
		case "singleClick":
			p.declareEvent("singleClick", "click")
		case "doubleClick":
			p.declareEvent("doubleClick", "double_click")
		case "hold":
			p.declareEvent("hold", "long_press")
		}
	}

	return p
}

// NewBinaryProperty is the shared shape of the contact, gas, motion,
// smoke and water-leak sensors: a two-state event keyed on a boolean
// hub value.
func NewBinaryProperty(instance, key, onEvent, offEvent string) *Property {
	p := newEventProperty(instance, key)
	p.declareEvent("true", onEvent)
	p.declareEvent("false", offEvent)
	return p
}

func NewContactProperty() *Property {
	return NewBinaryProperty("open", "contact", "closed", "opened")
}

func NewGasProperty() *Property {
	return NewBinaryProperty("gas", "gas", "detected", "not_detected")
}

func NewOccupancyProperty() *Property {
	return NewBinaryProperty("motion", "occupancy", "detected", "not_detected")
}

func NewSmokeProperty() *Property {
	return NewBinaryProperty("smoke", "smoke", "detected", "not_detected")
}

func NewWaterLeakProperty() *Property {
	return NewBinaryProperty("water_leak", "waterLeak", "leak", "dry")
}

func NewBatteryLowProperty() *Property {
	return NewBinaryProperty("battery_level", "batteryLow", "low", "normal")
}

func NewVibrationProperty() *Property {
	p := newEventProperty("vibration", "event")
	p.declareEvent("vibration", "vibration")
	p.declareEvent("tilt", "tilt")
	p.declareEvent("drop", "fall")
	return p
}

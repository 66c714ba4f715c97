package devices

import "reflect"

// Device is one piece of hardware behind a hub, scoped to the session
// that announced it. The key is the hub-internal identity, the topic
// is the name the hub addresses it by on its message bus; the two only
// coincide for some hub services.
type Device struct {
	Key         string
	Topic       string
	Name        string
	Description string
	Available   bool
	Endpoints   map[int]*Endpoint
}

func NewDevice(key, topic, name, description string) *Device {
	return &Device{
		Key:         key,
		Topic:       topic,
		Name:        name,
		Description: description,
		Available:   true,
		Endpoints:   map[int]*Endpoint{},
	}
}

func (d *Device) Endpoint(id int) *Endpoint {
	return d.Endpoints[id]
}

// Endpoint is an addressable unit of a device. Numeric endpoints share
// the device's state topic and suffix every instance key with the
// endpoint id; others get the id as a topic path segment.
type Endpoint struct {
	device       *Device
	ID           int
	Numeric      bool
	typ          string
	Capabilities []Capability
	Properties   []*Property
}

func (d *Device) AddEndpoint(id int, numeric bool) *Endpoint {
	if e, ok := d.Endpoints[id]; ok {
		return e
	}

	e := &Endpoint{device: d, ID: id, Numeric: numeric}
	d.Endpoints[id] = e
	return e
}

func (e *Endpoint) Device() *Device { return e.device }

func (e *Endpoint) Type() string { return e.typ }

// SetType assigns the voice-assistant device type. The first non-empty
// assignment wins; later expose rules may add capabilities but never
// re-type the endpoint.
func (e *Endpoint) SetType(typ string) {
	if e.typ == "" {
		e.typ = typ
	}
}

func (e *Endpoint) AddCapability(c Capability) {
	for _, existing := range e.Capabilities {
		if existing.Instance() == c.Instance() && existing.Type() == c.Type() {
			return
		}
	}
	e.Capabilities = append(e.Capabilities, c)
}

func (e *Endpoint) AddProperty(p *Property) {
	for _, existing := range e.Properties {
		if existing.Instance() == p.Instance() {
			return
		}
	}
	e.Properties = append(e.Properties, p)
}

// HandleValue routes a single hub-side key/value update into the
// endpoint's capabilities and properties. It reports whether anything
// actually changed; changed items are flagged updated for the next
// state notification.
func (e *Endpoint) HandleValue(key string, value any) bool {
	changed := false

	for _, c := range e.Capabilities {
		data := c.Data()
		if _, ok := data[key]; !ok {
			continue
		}
		if reflect.DeepEqual(data[key], value) {
			continue
		}

		data[key] = value
		c.SetUpdated(true)
		changed = true
	}

	for _, p := range e.Properties {
		if p.Key() != key {
			continue
		}
		if p.Event() && !p.DeclaredEvent(value) {
			continue
		}
		if reflect.DeepEqual(p.Value(), value) {
			continue
		}

		p.SetValue(value)
		p.SetUpdated(true)
		changed = true
	}

	// a reported operating mode becomes the value power-on resumes to
	if key == "systemMode" {
		if mode := toString(value); mode != "" && mode != "off" {
			for _, c := range e.Capabilities {
				if power, ok := c.(*ThermostatPower); ok {
					power.SetOnValue(mode)
				}
			}
		}
	}

	return changed
}

package hub

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/homed/cloud-bridge/internal/pkg/application/devices"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/framing"
	"github.com/homed/cloud-bridge/pkg/types"
)

func (s *Session) subscribe(topic string) error {
	return s.send("subscribe", topic, nil)
}

func (s *Session) publishTopic(topic string, message map[string]any) error {
	return s.send("publish", topic, message)
}

// send serializes, encrypts and frames one envelope. The mutex keeps
// the encrypt-then-write sequence atomic so the outbound IV chain
// matches what the hub sees on the wire.
func (s *Session) send(action, topic string, message map[string]any) error {
	envelope := map[string]any{"action": action, "topic": topic}

	if action == "publish" && len(message) > 0 {
		envelope["message"] = message
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	_, err = s.conn.Write(framing.Encode(s.cipher.Encrypt(payload)))
	return err
}

// Publish posts a hub-native state patch to the endpoint's device
// topic. Numeric endpoints fold the endpoint id into the payload keys
// instead of the topic path.
func (s *Session) Publish(endpoint *devices.Endpoint, message map[string]any) error {
	device := endpoint.Device()

	if endpoint.Numeric {
		flat := make(map[string]any, len(message))
		for key, value := range message {
			flat[key+"_"+strconv.Itoa(endpoint.ID)] = value
		}
		return s.publishTopic("td/"+device.Topic, flat)
	}

	topic := "td/" + device.Topic
	if endpoint.ID != 0 {
		topic += "/" + strconv.Itoa(endpoint.ID)
	}

	return s.publishTopic(topic, message)
}

func (s *Session) DeviceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Describe builds the discovery payload for every endpoint that has
// something to offer. Wire device ids are
// <hub-uniqueId>/<device-key>[/<endpoint-id>].
func (s *Session) Describe() []types.DeviceDescription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.devices))
	for key := range s.devices {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var descriptions []types.DeviceDescription

	for _, key := range keys {
		device := s.devices[key]

		ids := make([]int, 0, len(device.Endpoints))
		for id, endpoint := range device.Endpoints {
			if endpoint.Type() == "" || (len(endpoint.Capabilities) == 0 && len(endpoint.Properties) == 0) {
				continue
			}
			ids = append(ids, id)
		}
		sort.Ints(ids)

		for _, id := range ids {
			endpoint := device.Endpoints[id]

			wireID := s.uniqueID + "/" + device.Key
			name := device.Name

			if endpoint.ID != 0 {
				wireID += "/" + strconv.Itoa(endpoint.ID)
			}

			if len(ids) > 1 {
				name += " " + strconv.Itoa(endpoint.ID)
			}

			model := device.Name
			if device.Description != "" {
				model += " (" + device.Description + ")"
			}

			description := types.DeviceDescription{
				ID:           wireID,
				Name:         name,
				Type:         endpoint.Type(),
				Capabilities: []types.CapabilityDescription{},
				Properties:   []types.CapabilityDescription{},
				DeviceInfo:   types.DeviceInfo{Model: model},
			}

			for _, capability := range endpoint.Capabilities {
				description.Capabilities = append(description.Capabilities, types.CapabilityDescription{
					Type:        capability.Type(),
					Retrievable: true,
					Reportable:  true,
					Parameters:  capability.Parameters(),
					State:       capability.State(),
				})
			}

			for _, property := range endpoint.Properties {
				entry := types.CapabilityDescription{
					Type:        property.Type(),
					Retrievable: true,
					Reportable:  true,
					Parameters:  property.Parameters(),
				}
				if property.Valid() {
					entry.State = property.State()
				}
				description.Properties = append(description.Properties, entry)
			}

			descriptions = append(descriptions, description)
		}
	}

	return descriptions
}

// Query returns the current capability and property states of one
// endpoint. Properties without a valid value are skipped.
func (s *Session) Query(deviceKey string, endpointID int) ([]types.StateView, []types.StateView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[deviceKey]
	if !ok {
		return nil, nil, ErrDeviceNotFound
	}

	endpoint := device.Endpoint(endpointID)
	if endpoint == nil || !device.Available {
		return nil, nil, ErrDeviceUnreachable
	}

	var capabilities, properties []types.StateView

	for _, capability := range endpoint.Capabilities {
		capabilities = append(capabilities, types.StateView{Type: capability.Type(), State: capability.State()})
	}

	for _, property := range endpoint.Properties {
		if !property.Valid() {
			continue
		}
		properties = append(properties, types.StateView{Type: property.Type(), State: property.State()})
	}

	return capabilities, properties, nil
}

// Execute dispatches requested capability actions to one endpoint and
// publishes the resulting hub-native patches. Unknown capability
// types are skipped; success requires at least one match.
func (s *Session) Execute(deviceKey string, endpointID int, actions []types.StateView) ([]types.ActionResult, error) {
	type patch struct {
		endpoint *devices.Endpoint
		message  map[string]any
	}

	var patches []patch
	var results []types.ActionResult

	s.mu.Lock()

	device, ok := s.devices[deviceKey]
	if !ok {
		s.mu.Unlock()
		return nil, ErrDeviceNotFound
	}

	endpoint := device.Endpoint(endpointID)
	if endpoint == nil || !device.Available {
		s.mu.Unlock()
		return nil, ErrDeviceUnreachable
	}

	for _, action := range actions {
		capability := matchCapability(endpoint, action)
		if capability == nil {
			continue
		}

		patches = append(patches, patch{endpoint: endpoint, message: capability.Action(action.State)})

		instance, _ := action.State["instance"].(string)
		results = append(results, types.NewActionResult(capability.Type(), instance, types.StatusDone))
	}

	s.mu.Unlock()

	if len(results) == 0 {
		return nil, ErrDeviceUnreachable
	}

	for _, p := range patches {
		if err := s.Publish(p.endpoint, p.message); err != nil {
			return results, err
		}
	}

	return results, nil
}

// matchCapability finds the capability a request addresses. Several
// capabilities can share a wire type (the mode variants), so the
// requested instance breaks ties.
func matchCapability(endpoint *devices.Endpoint, action types.StateView) devices.Capability {
	instance, _ := action.State["instance"].(string)

	var fallback devices.Capability

	for _, capability := range endpoint.Capabilities {
		if capability.Type() != action.Type {
			continue
		}

		if fallback == nil {
			fallback = capability
		}

		if capability.Instance() == instance {
			return capability
		}
	}

	return fallback
}

// CollectUpdates drains the endpoint's pending change flags into
// state views for the upstream callback. Edge-triggered event
// properties are cleared once reported.
func (s *Session) CollectUpdates(endpoint *devices.Endpoint) ([]types.StateView, []types.StateView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var capabilities, properties []types.StateView

	for _, capability := range endpoint.Capabilities {
		if !capability.Updated() {
			continue
		}
		capability.SetUpdated(false)
		capabilities = append(capabilities, types.StateView{Type: capability.Type(), State: capability.State()})
	}

	for _, property := range endpoint.Properties {
		if !property.Updated() {
			continue
		}
		property.SetUpdated(false)

		if !property.Valid() {
			continue
		}

		properties = append(properties, types.StateView{Type: property.Type(), State: property.State()})

		if property.Instance() == "button" || property.Instance() == "vibration" {
			property.SetValue(nil)
		}
	}

	return capabilities, properties
}

// EndpointWireID builds the wire id of an endpoint the same way
// Describe does, for state callbacks.
func (s *Session) EndpointWireID(endpoint *devices.Endpoint) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wireID := s.uniqueID + "/" + endpoint.Device().Key
	if endpoint.ID != 0 {
		wireID += "/" + strconv.Itoa(endpoint.ID)
	}

	return wireID
}

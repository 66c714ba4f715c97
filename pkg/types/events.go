package types

import "time"

// Messages published on the internal message bus. Consumers are
// dashboards and auxiliary services; the bridge itself never
// subscribes to these topics.

type HubConnected struct {
	UserID    string    `json:"userID"`
	HubID     string    `json:"hubID"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *HubConnected) ContentType() string {
	return "application/json"
}

func (h *HubConnected) TopicName() string {
	return "hub.connected"
}

type HubDisconnected struct {
	UserID    string    `json:"userID"`
	HubID     string    `json:"hubID"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *HubDisconnected) ContentType() string {
	return "application/json"
}

func (h *HubDisconnected) TopicName() string {
	return "hub.disconnected"
}

type DevicesUpdated struct {
	UserID    string    `json:"userID"`
	HubID     string    `json:"hubID"`
	Devices   int       `json:"devices"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *DevicesUpdated) ContentType() string {
	return "application/json"
}

func (d *DevicesUpdated) TopicName() string {
	return "devices.updated"
}

// StatsSample is the periodic usage snapshot, published every ten
// seconds while the bridge is running.
type StatsSample struct {
	Users     int       `json:"users"`
	Hubs      int       `json:"hubs"`
	APICalls  uint32    `json:"apiCalls"`
	Events    uint32    `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *StatsSample) ContentType() string {
	return "application/json"
}

func (s *StatsSample) TopicName() string {
	return "stats.sample"
}

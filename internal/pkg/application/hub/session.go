package hub

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/homed/cloud-bridge/internal/pkg/application/devices"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/crypto"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/framing"
)

type Status int

const (
	StatusHandshake Status = iota
	StatusAuthorization
	StatusReady
)

const authorizationTimeout = 10 * time.Second

var (
	ErrDeviceNotFound    = fmt.Errorf("device not found")
	ErrDeviceUnreachable = fmt.Errorf("device unreachable")
)

// Handler receives session lifecycle and device events. Callbacks run
// on the session's read goroutine and must not block on it.
type Handler interface {
	Authorize(ctx context.Context, s *Session, uniqueID string, token []byte) bool
	DevicesUpdated(ctx context.Context, s *Session)
	DataUpdated(ctx context.Context, s *Session, endpoint *devices.Endpoint)
	Disconnected(ctx context.Context, s *Session)
}

// Session is one hub connection. It owns its cipher state and frame
// assembly buffer; the read loop is the only decrypter and sends are
// serialized, so the chained IVs stay consistent on both directions.
type Session struct {
	id      string
	conn    net.Conn
	handler Handler
	log     zerolog.Logger

	cipher  *crypto.SessionCipher
	decoder framing.Decoder

	sendMu sync.Mutex

	mu       sync.RWMutex
	status   Status
	uniqueID string
	devices  map[string]*devices.Device
	byTopic  map[string]*devices.Device

	authTimer *time.Timer
	closeOnce sync.Once
}

func NewSession(conn net.Conn, handler Handler, log zerolog.Logger) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		handler: handler,
		devices: map[string]*devices.Device{},
		byTopic: map[string]*devices.Device{},
	}

	s.log = log.With().Str("session", s.id).Logger()
	s.authTimer = time.AfterFunc(authorizationTimeout, func() {
		s.log.Warn().Msg("authorization timed out, closing session")
		s.Close()
	})

	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) UniqueID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uniqueID
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.authTimer.Stop()
		s.conn.Close()
	})
}

// Serve runs the read loop until the socket closes. It blocks, so
// callers start it on its own goroutine.
func (s *Session) Serve(ctx context.Context) {
	defer func() {
		s.Close()
		s.handler.Disconnected(ctx, s)
	}()

	buffer := make([]byte, 4096)
	var pending []byte

	for {
		n, err := s.conn.Read(buffer)
		if err != nil {
			return
		}

		data := buffer[:n]

		if s.Status() == StatusHandshake {
			pending = append(pending, data...)

			if len(pending) < crypto.HandshakeSize {
				continue
			}

			if err := s.handshake(pending[:crypto.HandshakeSize]); err != nil {
				s.log.Warn().Err(err).Msg("handshake failed")
				return
			}

			data = pending[crypto.HandshakeSize:]
			pending = nil
		}

		closed := false

		s.decoder.Push(data, func(record []byte) {
			if !s.handleRecord(ctx, record) {
				closed = true
			}
		})

		if closed {
			return
		}
	}
}

func (s *Session) handshake(data []byte) error {
	dh, hubPublic, err := crypto.ParseHandshake(data)
	if err != nil {
		return err
	}

	var reply [4]byte
	binary.BigEndian.PutUint32(reply[:], dh.PublicKey())

	if _, err := s.conn.Write(reply[:]); err != nil {
		return err
	}

	key, iv := crypto.DeriveSessionKeys(dh.SharedKey(hubPublic))

	cipher, err := crypto.NewSessionCipher(key, iv)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cipher = cipher
	s.status = StatusAuthorization
	s.mu.Unlock()

	return nil
}

// handleRecord decrypts and dispatches one framed record. A false
// return closes the session; malformed records are dropped without
// closing since the cipher chain stays aligned with the wire.
func (s *Session) handleRecord(ctx context.Context, record []byte) bool {
	data := append([]byte(nil), record...)

	plaintext, err := s.cipher.Decrypt(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed record")
		return true
	}

	if s.Status() == StatusAuthorization {
		return s.authorize(ctx, plaintext)
	}

	var envelope struct {
		Topic   string          `json:"topic"`
		Message json.RawMessage `json:"message"`
	}

	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		s.log.Warn().Err(err).Msg("dropping unparseable record")
		return true
	}

	parts := strings.Split(envelope.Topic, "/")

	switch parts[0] {
	case "status":
		if len(parts) == 2 {
			s.handleStatus(ctx, parts[1], envelope.Message)
		}
	case "expose":
		if len(parts) >= 3 {
			s.handleExpose(parts[1], strings.Join(parts[1:], "/"), envelope.Message)
		}
	case "device":
		if len(parts) >= 3 {
			s.handleAvailability(strings.Join(parts[1:], "/"), envelope.Message)
		}
	case "fd":
		if len(parts) >= 3 {
			s.handleData(ctx, parts[1:], envelope.Message)
		}
	}

	return true
}

func (s *Session) authorize(ctx context.Context, plaintext []byte) bool {
	var credentials struct {
		UniqueID string `json:"uniqueId"`
		Token    string `json:"token"`
	}

	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		s.log.Warn().Err(err).Msg("malformed authorization payload")
		return false
	}

	token, err := hex.DecodeString(credentials.Token)
	if err != nil || credentials.UniqueID == "" {
		return false
	}

	if !s.handler.Authorize(ctx, s, credentials.UniqueID, token) {
		return false
	}

	s.authTimer.Stop()

	s.mu.Lock()
	s.uniqueID = credentials.UniqueID
	s.status = StatusReady
	s.mu.Unlock()

	s.log.Info().Str("hub", credentials.UniqueID).Msg("hub authorized")

	return s.subscribe("status/#") == nil
}

// roster entry identity per service; entries the bridge should not
// surface resolve to an empty identity.
func rosterIdentity(service string, entry map[string]any) string {
	switch service {
	case "zigbee":
		return stringValue(entry["ieeeAddress"])
	case "modbus":
		port, ok := entry["portId"]
		if !ok {
			port = entry["port"]
		}
		slave, ok := entry["slaveId"]
		if !ok {
			slave = entry["slave"]
		}
		if port == nil || slave == nil {
			return ""
		}
		return fmt.Sprintf("%v.%v", port, slave)
	case "custom":
		return stringValue(entry["id"])
	}

	return ""
}

func (s *Session) handleStatus(ctx context.Context, service string, message json.RawMessage) {
	var status struct {
		Devices []map[string]any `json:"devices"`
		Names   bool             `json:"names"`
	}

	if err := json.Unmarshal(message, &status); err != nil {
		return
	}

	type rosterEntry struct {
		key, topic, name, description string
	}

	roster := map[string]rosterEntry{}

	for _, entry := range status.Devices {
		name := stringValue(entry["name"])

		if name == "" || name == "HOMEd Coordinator" {
			continue
		}

		if removed, ok := entry["removed"].(bool); ok && removed {
			continue
		}

		if cloud, ok := entry["cloud"].(bool); ok && !cloud {
			continue
		}

		identity := rosterIdentity(service, entry)
		if identity == "" {
			continue
		}

		topicName := identity
		if status.Names {
			topicName = name
		}

		key := service + "/" + identity

		roster[key] = rosterEntry{
			key:         key,
			topic:       service + "/" + topicName,
			name:        name,
			description: stringValue(entry["description"]),
		}
	}

	var subscriptions []string
	changed := false

	s.mu.Lock()

	for key, entry := range roster {
		device, ok := s.devices[key]
		if !ok {
			device = devices.NewDevice(entry.key, entry.topic, entry.name, entry.description)
			s.devices[key] = device
			subscriptions = append(subscriptions, "expose/"+entry.topic, "device/"+entry.topic)
			changed = true
		} else {
			delete(s.byTopic, device.Topic)
			device.Topic = entry.topic
			device.Name = entry.name
			device.Description = entry.description
		}
		s.byTopic[device.Topic] = device
	}

	for key, device := range s.devices {
		if !strings.HasPrefix(key, service+"/") {
			continue
		}
		if _, ok := roster[key]; !ok {
			delete(s.devices, key)
			delete(s.byTopic, device.Topic)
			changed = true
		}
	}

	s.mu.Unlock()

	for _, topic := range subscriptions {
		if err := s.subscribe(topic); err != nil {
			return
		}
	}

	if changed {
		s.handler.DevicesUpdated(ctx, s)
	}
}

var numericSuffix = regexp.MustCompile(`^(.+)_(\d+)$`)

func (s *Session) handleExpose(service, deviceTopic string, message json.RawMessage) {
	var endpoints map[string]struct {
		Items   []any          `json:"items"`
		Options map[string]any `json:"options"`
	}

	if err := json.Unmarshal(message, &endpoints); err != nil {
		return
	}

	s.mu.Lock()

	device, ok := s.byTopic[deviceTopic]
	if !ok || len(device.Endpoints) > 0 {
		s.mu.Unlock()
		return
	}

	for outer, entry := range endpoints {
		outerID, _ := strconv.Atoi(outer)

		plain := []string{}
		suffixed := map[int][]string{}

		for _, item := range entry.Items {
			name, ok := item.(string)
			if !ok {
				continue
			}

			if match := numericSuffix.FindStringSubmatch(name); match != nil {
				id, _ := strconv.Atoi(match[2])
				suffixed[id] = append(suffixed[id], match[1])
				continue
			}

			plain = append(plain, name)
		}

		if len(plain) > 0 {
			endpoint := device.AddEndpoint(outerID, false)
			devices.ParseExposes(endpoint, plain, entry.Options)
		}

		for id, exposes := range suffixed {
			endpoint := device.AddEndpoint(id, true)
			devices.ParseExposes(endpoint, exposes, entry.Options)
		}
	}

	var subscriptions []string
	seen := map[string]bool{}

	ids := make([]int, 0, len(device.Endpoints))
	for id := range device.Endpoints {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		endpoint := device.Endpoints[id]

		topic := "fd/" + device.Topic
		if !endpoint.Numeric && endpoint.ID != 0 {
			topic += "/" + strconv.Itoa(endpoint.ID)
		}

		if !seen[topic] {
			seen[topic] = true
			subscriptions = append(subscriptions, topic)
		}
	}

	deviceName := device.Name
	s.mu.Unlock()

	for _, topic := range subscriptions {
		if err := s.subscribe(topic); err != nil {
			return
		}
	}

	s.publishTopic("command/"+service, map[string]any{
		"action":  "getProperties",
		"device":  deviceName,
		"service": "cloud",
	})
}

func (s *Session) handleAvailability(deviceTopic string, message json.RawMessage) {
	var availability struct {
		Status string `json:"status"`
	}

	if err := json.Unmarshal(message, &availability); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if device, ok := s.byTopic[deviceTopic]; ok {
		device.Available = availability.Status == "online"
	}
}

func (s *Session) handleData(ctx context.Context, parts []string, message json.RawMessage) {
	var data map[string]any

	if err := json.Unmarshal(message, &data); err != nil {
		return
	}

	deviceTopic := parts[0] + "/" + parts[1]

	explicitID := 0
	if len(parts) > 2 {
		explicitID, _ = strconv.Atoi(parts[2])
	}

	changed := map[*devices.Endpoint]bool{}

	s.mu.Lock()

	device, ok := s.byTopic[deviceTopic]
	if !ok {
		s.mu.Unlock()
		return
	}

	for key, value := range data {
		endpoint := device.Endpoint(explicitID)
		instance := key

		if match := numericSuffix.FindStringSubmatch(key); match != nil {
			id, _ := strconv.Atoi(match[2])
			if e := device.Endpoint(id); e != nil && e.Numeric {
				endpoint = e
				instance = match[1]
			}
		}

		if endpoint == nil {
			continue
		}

		if endpoint.HandleValue(instance, value) {
			changed[endpoint] = true
		}
	}

	s.mu.Unlock()

	for endpoint := range changed {
		s.handler.DataUpdated(ctx, s, endpoint)
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

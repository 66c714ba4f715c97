package hub

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/homed/cloud-bridge/internal/pkg/application/devices"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/crypto"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/framing"
	"github.com/homed/cloud-bridge/pkg/types"
)

type testHandler struct {
	accept bool

	authorized     chan []byte
	devicesUpdated chan struct{}
	dataUpdated    chan *devices.Endpoint
	disconnected   chan struct{}
}

func newTestHandler(accept bool) *testHandler {
	return &testHandler{
		accept:         accept,
		authorized:     make(chan []byte, 8),
		devicesUpdated: make(chan struct{}, 8),
		dataUpdated:    make(chan *devices.Endpoint, 8),
		disconnected:   make(chan struct{}, 8),
	}
}

func (h *testHandler) Authorize(ctx context.Context, s *Session, uniqueID string, token []byte) bool {
	h.authorized <- token
	return h.accept
}

func (h *testHandler) DevicesUpdated(ctx context.Context, s *Session) {
	h.devicesUpdated <- struct{}{}
}

func (h *testHandler) DataUpdated(ctx context.Context, s *Session, endpoint *devices.Endpoint) {
	h.dataUpdated <- endpoint
}

func (h *testHandler) Disconnected(ctx context.Context, s *Session) {
	h.disconnected <- struct{}{}
}

// hubConn speaks the hub side of the protocol over the test pipe.
type hubConn struct {
	t       *testing.T
	conn    net.Conn
	cipher  *crypto.SessionCipher
	decoder framing.Decoder
	queue   [][]byte
}

type envelope struct {
	Action  string         `json:"action"`
	Topic   string         `json:"topic"`
	Message map[string]any `json:"message"`
}

func dialTestHub(t *testing.T, conn net.Conn) *hubConn {
	t.Helper()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	dh, err := crypto.NewDH(2147483647, 16807)
	if err != nil {
		t.Fatal(err)
	}

	opening := make([]byte, crypto.HandshakeSize)
	binary.BigEndian.PutUint32(opening[0:4], 2147483647)
	binary.BigEndian.PutUint32(opening[4:8], 16807)
	binary.BigEndian.PutUint32(opening[8:12], dh.PublicKey())

	if _, err := conn.Write(opening); err != nil {
		t.Fatal(err)
	}

	var reply [4]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		t.Fatal(err)
	}

	key, iv := crypto.DeriveSessionKeys(dh.SharedKey(binary.BigEndian.Uint32(reply[:])))

	cipher, err := crypto.NewSessionCipher(key, iv)
	if err != nil {
		t.Fatal(err)
	}

	return &hubConn{t: t, conn: conn, cipher: cipher}
}

func (h *hubConn) send(v any) {
	h.t.Helper()

	payload, err := json.Marshal(v)
	if err != nil {
		h.t.Fatal(err)
	}

	if _, err := h.conn.Write(framing.Encode(h.cipher.Encrypt(payload))); err != nil {
		h.t.Fatal(err)
	}
}

func (h *hubConn) read() envelope {
	h.t.Helper()

	buffer := make([]byte, 4096)

	for len(h.queue) == 0 {
		n, err := h.conn.Read(buffer)
		if err != nil {
			h.t.Fatal(err)
		}

		h.decoder.Push(buffer[:n], func(record []byte) {
			plaintext, err := h.cipher.Decrypt(append([]byte(nil), record...))
			if err != nil {
				h.t.Fatal(err)
			}
			h.queue = append(h.queue, append([]byte(nil), plaintext...))
		})
	}

	var e envelope
	if err := json.Unmarshal(h.queue[0], &e); err != nil {
		h.t.Fatal(err)
	}
	h.queue = h.queue[1:]

	return e
}

func waitHere[T any](t *testing.T, ch chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler callback")
	}

	var zero T
	return zero
}

func setupSession(t *testing.T, handler Handler) (*Session, *hubConn) {
	t.Helper()

	serverConn, clientConn := net.Pipe()

	session := NewSession(serverConn, handler, zerolog.Nop())
	go session.Serve(context.Background())

	t.Cleanup(session.Close)

	return session, dialTestHub(t, clientConn)
}

func authorizeTestHub(t *testing.T, hub *hubConn, handler *testHandler) {
	t.Helper()

	hub.send(map[string]any{
		"uniqueId": "hub-1",
		"token":    "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
	})

	waitHere(t, handler.authorized)

	e := hub.read()
	if e.Action != "subscribe" || e.Topic != "status/#" {
		t.Fatalf("expected status subscription, got %+v", e)
	}
}

func announceTestDevice(t *testing.T, hub *hubConn, handler *testHandler, exposes []any, options map[string]any) {
	t.Helper()
	is := is.New(t)

	hub.send(map[string]any{
		"topic": "status/zigbee",
		"message": map[string]any{
			"names": false,
			"devices": []any{
				map[string]any{"name": "Lamp", "ieeeAddress": "0x01", "description": "desk lamp", "cloud": true},
			},
		},
	})

	is.Equal(hub.read(), envelope{Action: "subscribe", Topic: "expose/zigbee/0x01"})
	is.Equal(hub.read(), envelope{Action: "subscribe", Topic: "device/zigbee/0x01"})
	waitHere(t, handler.devicesUpdated)

	hub.send(map[string]any{
		"topic": "expose/zigbee/0x01",
		"message": map[string]any{
			"1": map[string]any{"items": exposes, "options": options},
		},
	})
}

func TestThatAuthorizationPassesTheClientToken(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)

	hub.send(map[string]any{
		"uniqueId": "hub-1",
		"token":    "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
	})

	token := waitHere(t, handler.authorized)
	is.Equal(hex.EncodeToString(token), "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")

	e := hub.read()
	is.Equal(e.Topic, "status/#")

	is.Equal(session.Status(), StatusReady)
	is.Equal(session.UniqueID(), "hub-1")
}

func TestThatRejectedHubsAreDisconnected(t *testing.T) {
	handler := newTestHandler(false)
	_, hub := setupSession(t, handler)

	hub.send(map[string]any{"uniqueId": "hub-1", "token": "00"})

	waitHere(t, handler.authorized)
	waitHere(t, handler.disconnected)
}

func TestThatTheStatusRosterCreatesDevicesAndSubscriptions(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)

	hub.send(map[string]any{
		"topic": "status/zigbee",
		"message": map[string]any{
			"names": false,
			"devices": []any{
				map[string]any{"name": "Lamp", "ieeeAddress": "0x01", "cloud": true},
				map[string]any{"name": "HOMEd Coordinator", "ieeeAddress": "0x00"},
				map[string]any{"name": "Gone", "ieeeAddress": "0x02", "removed": true},
				map[string]any{"name": "Private", "ieeeAddress": "0x03", "cloud": false},
			},
		},
	})

	is.Equal(hub.read(), envelope{Action: "subscribe", Topic: "expose/zigbee/0x01"})
	is.Equal(hub.read(), envelope{Action: "subscribe", Topic: "device/zigbee/0x01"})
	waitHere(t, handler.devicesUpdated)

	is.Equal(session.DeviceCount(), 1)
}

func TestThatVanishedDevicesAreRemovedFromTheRoster(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)
	announceTestDevice(t, hub, handler, []any{"light"}, map[string]any{"light": []any{"level"}})

	hub.read() // fd subscription
	hub.read() // getProperties command

	hub.send(map[string]any{
		"topic":   "status/zigbee",
		"message": map[string]any{"names": false, "devices": []any{}},
	})

	waitHere(t, handler.devicesUpdated)
	is.Equal(session.DeviceCount(), 0)
}

func TestThatExposesBuildEndpointsAndRequestProperties(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)
	announceTestDevice(t, hub, handler, []any{"light"}, map[string]any{"light": []any{"level"}})

	is.Equal(hub.read(), envelope{Action: "subscribe", Topic: "fd/zigbee/0x01/1"})

	command := hub.read()
	is.Equal(command.Action, "publish")
	is.Equal(command.Topic, "command/zigbee")
	is.Equal(command.Message["action"], "getProperties")
	is.Equal(command.Message["device"], "Lamp")
	is.Equal(command.Message["service"], "cloud")

	descriptions := session.Describe()
	is.Equal(len(descriptions), 1)
	is.Equal(descriptions[0].ID, "hub-1/zigbee/0x01/1")
	is.Equal(descriptions[0].Type, devices.TypeLight)
	is.Equal(len(descriptions[0].Capabilities), 2)
	is.Equal(descriptions[0].DeviceInfo.Model, "Lamp (desk lamp)")
}

func TestThatNumericSuffixExposesAddressTheirOwnEndpoint(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)
	announceTestDevice(t, hub, handler, []any{"switch_2"}, nil)

	// numeric endpoints share the device data topic
	is.Equal(hub.read(), envelope{Action: "subscribe", Topic: "fd/zigbee/0x01"})
	hub.read() // getProperties command

	hub.send(map[string]any{
		"topic":   "fd/zigbee/0x01",
		"message": map[string]any{"status_2": "on"},
	})

	endpoint := waitHere(t, handler.dataUpdated)
	is.Equal(endpoint.ID, 2)
	is.True(endpoint.Numeric)

	capabilities, _, err := session.Query("zigbee/0x01", 2)
	is.NoErr(err)
	is.Equal(capabilities[0].State["value"], true)
}

func TestThatTelemetryRoutesToTheAddressedEndpoint(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)
	announceTestDevice(t, hub, handler, []any{"light"}, map[string]any{"light": []any{"level"}})

	hub.read() // fd subscription
	hub.read() // getProperties command

	hub.send(map[string]any{
		"topic":   "fd/zigbee/0x01/1",
		"message": map[string]any{"status": "on", "level": 128},
	})

	endpoint := waitHere(t, handler.dataUpdated)

	capabilities, properties := session.CollectUpdates(endpoint)
	is.Equal(len(capabilities), 2)
	is.Equal(len(properties), 0)

	// flags are drained by the first collection
	capabilities, _ = session.CollectUpdates(endpoint)
	is.Equal(len(capabilities), 0)

	_, _, err := session.Query("zigbee/0x01", 0)
	is.Equal(err, ErrDeviceUnreachable)

	_, _, err = session.Query("zigbee/0xff", 0)
	is.Equal(err, ErrDeviceNotFound)
}

func TestThatAvailabilityFollowsTheDeviceTopic(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)
	announceTestDevice(t, hub, handler, []any{"light"}, map[string]any{"light": []any{}})

	hub.read() // fd subscription
	hub.read() // getProperties command

	hub.send(map[string]any{
		"topic":   "device/zigbee/0x01",
		"message": map[string]any{"status": "offline"},
	})

	hub.send(map[string]any{
		"topic":   "fd/zigbee/0x01/1",
		"message": map[string]any{"status": "on"},
	})
	waitHere(t, handler.dataUpdated)

	_, _, err := session.Query("zigbee/0x01", 1)
	is.Equal(err, ErrDeviceUnreachable)
}

func TestThatActionsArePublishedToTheDeviceTopic(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)
	announceTestDevice(t, hub, handler, []any{"light"}, map[string]any{"light": []any{}})

	hub.read() // fd subscription
	hub.read() // getProperties command

	done := make(chan []types.ActionResult, 1)

	go func() {
		results, err := session.Execute("zigbee/0x01", 1, []types.StateView{
			{Type: devices.CapabilityOnOff, State: map[string]any{"instance": "on", "value": true}},
		})
		if err != nil {
			t.Error(err)
		}
		done <- results
	}()

	e := hub.read()
	is.Equal(e.Action, "publish")
	is.Equal(e.Topic, "td/zigbee/0x01/1")
	is.Equal(e.Message["status"], "on")

	results := waitHere(t, done)
	is.Equal(len(results), 1)
	is.Equal(results[0].State["action_result"], map[string]any{"status": types.StatusDone})
}

func TestThatUnknownCapabilityTypesAreUnreachable(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)
	announceTestDevice(t, hub, handler, []any{"light"}, map[string]any{"light": []any{}})

	hub.read() // fd subscription
	hub.read() // getProperties command

	_, err := session.Execute("zigbee/0x01", 1, []types.StateView{
		{Type: devices.CapabilityMode, State: map[string]any{"instance": "thermostat"}},
	})
	is.Equal(err, ErrDeviceUnreachable)
}

func TestThatMalformedRecordsAreDroppedWithoutClosing(t *testing.T) {
	is := is.New(t)

	handler := newTestHandler(true)
	session, hub := setupSession(t, handler)
	authorizeTestHub(t, hub, handler)

	// not a multiple of the block size, rejected before decryption
	hub.conn.Write(framing.Encode([]byte{0x01, 0x02, 0x03}))

	announceTestDevice(t, hub, handler, []any{"light"}, map[string]any{"light": []any{}})
	is.Equal(hub.read(), envelope{Action: "subscribe", Topic: "fd/zigbee/0x01/1"})

	is.Equal(session.DeviceCount(), 1)
}

func TestThatModbusIdentitiesComposePortAndSlave(t *testing.T) {
	is := is.New(t)

	is.Equal(rosterIdentity("modbus", map[string]any{"portId": 1.0, "slaveId": 2.0}), "1.2")
	is.Equal(rosterIdentity("modbus", map[string]any{"port": 3.0, "slave": 4.0}), "3.4")
	is.Equal(rosterIdentity("modbus", map[string]any{"portId": 1.0}), "")
	is.Equal(rosterIdentity("zigbee", map[string]any{"ieeeAddress": "0xaa"}), "0xaa")
	is.Equal(rosterIdentity("custom", map[string]any{"id": "relay"}), "relay")
}

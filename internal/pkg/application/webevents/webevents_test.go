package webevents

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matryer/is"
)

const configYaml = `
notifications:
  - id: devices-updated
    name: device roster changes
    type: homed.devicesUpdated
    subscribers:
      - endpoint: http://localhost:1337/events
  - id: hub-connected
    name: hub connections
    type: homed.hubConnected
    subscribers:
      - endpoint: http://localhost:1337/events
      - endpoint: http://localhost:1338/events
`

func TestThatConfigurationParses(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadConfiguration(bytes.NewBufferString(configYaml))
	is.NoErr(err)

	is.Equal(len(cfg.Notifications), 2)
	is.Equal(cfg.Notifications[0].Type, "homed.devicesUpdated")
	is.Equal(len(cfg.Notifications[1].Subscribers), 2)
	is.Equal(cfg.Notifications[1].Subscribers[1].Endpoint, "http://localhost:1338/events")
}

func TestThatBrokenConfigurationIsAnError(t *testing.T) {
	is := is.New(t)

	_, err := LoadConfiguration(bytes.NewBufferString("\tnot yaml"))
	is.True(err != nil)
}

func TestThatNoSubscribersMeansNoSends(t *testing.T) {
	is := is.New(t)

	sender := New(nil)

	is.NoErr(sender.HubConnected(context.Background(), "user_1", "hub-1"))
	is.NoErr(sender.DevicesUpdated(context.Background(), "user_1", "hub-1", 3))
}

func TestThatASlowSubscriberDoesNotStallTheCaller(t *testing.T) {
	is := is.New(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	sender := New(&Config{Notifications: []Notification{{
		Type:        "homed.hubConnected",
		Subscribers: []SubscriberConfig{{Endpoint: srv.URL}},
	}}})

	start := time.Now()
	is.NoErr(sender.HubConnected(context.Background(), "user_1", "hub-1"))
	is.True(time.Since(start) < 2*time.Second)
}

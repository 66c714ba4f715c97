package webevents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

const sendTimeout = 10 * time.Second

// EventSender pushes bridge lifecycle events to external webhook
// subscribers as cloudevents. Subscribers are optional; with none
// configured every send is a no-op. Delivery is fire-and-forget: it
// runs on its own goroutine and the returned error only covers event
// construction.
type EventSender interface {
	DevicesUpdated(ctx context.Context, userID, hubID string, deviceCount int) error
	HubConnected(ctx context.Context, userID, hubID string) error
}

type eventSender struct {
	subscribers map[string][]SubscriberConfig
}

func New(cfg *Config) EventSender {
	e := &eventSender{
		subscribers: make(map[string][]SubscriberConfig),
	}

	if cfg != nil {
		for _, s := range cfg.Notifications {
			e.subscribers[s.Type] = s.Subscribers
		}
	}

	return e
}

func (e *eventSender) DevicesUpdated(ctx context.Context, userID, hubID string, deviceCount int) error {
	eventData := struct {
		UserID  string `json:"userID"`
		HubID   string `json:"hubID"`
		Devices int    `json:"devices"`
	}{
		UserID:  userID,
		HubID:   hubID,
		Devices: deviceCount,
	}

	return e.send(ctx, "homed.devicesUpdated", hubID, eventData)
}

func (e *eventSender) HubConnected(ctx context.Context, userID, hubID string) error {
	eventData := struct {
		UserID string `json:"userID"`
		HubID  string `json:"hubID"`
	}{
		UserID: userID,
		HubID:  hubID,
	}

	return e.send(ctx, "homed.hubConnected", hubID, eventData)
}

func (e *eventSender) send(ctx context.Context, eventType, sourceID string, eventData any) error {
	subscribers := e.subscribers[eventType]
	if len(subscribers) == 0 {
		return nil
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	now := time.Now()

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", sourceID, now.Unix()))
	event.SetTime(now)
	event.SetSource("github.com/homed/cloud-bridge")
	event.SetType(eventType)

	if err := event.SetData(cloudevents.ApplicationJSON, eventData); err != nil {
		return err
	}

	logger := logging.GetFromContext(ctx)

	// a slow subscriber must never stall the session loop that
	// triggered the event
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		for _, s := range subscribers {
			result := c.Send(cloudevents.ContextWithTarget(ctx, s.Endpoint), event)
			if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
				logger.Error().Err(result).Msgf("failed to send event to %s", s.Endpoint)
			}
		}
	}()

	return nil
}

type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err == nil {
		return &cfg, nil
	} else {
		return nil, err
	}
}

package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/homed/cloud-bridge/pkg/types"
)

var tracer = otel.Tracer("skill-client")

const callbackTimeout = 10 * time.Second

// Client posts discovery and state callbacks to the voice-assistant
// skill endpoint. Callbacks are fire-and-forget: they run on their
// own goroutine, failures are logged and never retried.
type Client struct {
	url     string
	skillID string
	token   string

	httpClient http.Client
}

func New(url, skillID, token string) *Client {
	return &Client{
		url:     url,
		skillID: skillID,
		token:   token,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Enabled reports whether a skill endpoint is configured at all.
func (c *Client) Enabled() bool {
	return c.url != "" && c.skillID != "" && c.token != ""
}

// NotifyDiscovery asks the assistant to re-run device discovery for
// the user.
func (c *Client) NotifyDiscovery(ctx context.Context, userID string) {
	c.post(ctx, "discovery", map[string]any{"user_id": userID})
}

// NotifyState pushes a state delta for one endpoint.
func (c *Client) NotifyState(ctx context.Context, userID, deviceID string, capabilities, properties []types.StateView) {
	device := map[string]any{"id": deviceID}

	if len(capabilities) > 0 {
		device["capabilities"] = capabilities
	}
	if len(properties) > 0 {
		device["properties"] = properties
	}

	c.post(ctx, "state", map[string]any{
		"user_id": userID,
		"devices": []any{device},
	})
}

func (c *Client) post(ctx context.Context, kind string, payload map[string]any) {
	if !c.Enabled() {
		return
	}

	log := logging.GetFromContext(ctx)

	body, err := json.Marshal(map[string]any{
		"ts":      time.Now().Unix(),
		"payload": payload,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal callback payload")
		return
	}

	url := fmt.Sprintf("%s/skills/%s/callback/%s", c.url, c.skillID, kind)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()

		var err error
		ctx, span := tracer.Start(ctx, "skill-callback-"+kind)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			log.Error().Err(err).Msg("failed to create callback request")
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "OAuth "+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.Error().Err(err).Msgf("%s callback failed", kind)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("callback returned status %d", resp.StatusCode)
			log.Error().Err(err).Msgf("%s callback rejected", kind)
		}
	}()
}

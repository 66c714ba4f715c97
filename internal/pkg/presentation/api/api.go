package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"

	"github.com/homed/cloud-bridge/internal/pkg/application/accounts"
	"github.com/homed/cloud-bridge/internal/pkg/application/bot"
	"github.com/homed/cloud-bridge/internal/pkg/application/bridge"
	"github.com/homed/cloud-bridge/internal/pkg/application/hub"
	"github.com/homed/cloud-bridge/pkg/types"
)

var tracer = otel.Tracer("cloud-bridge/api")

// RegisterHandlers mounts the OAuth token endpoints, the Telegram
// webhook and the versioned smart home API onto the router.
func RegisterHandlers(ctx context.Context, router *chi.Mux, accountsSvc *accounts.Service, b *bridge.Bridge, tgBot *bot.Bot) (*chi.Mux, error) {

	log := logging.GetFromContext(ctx)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.Post("/token", tokenHandler(log, accountsSvc, "authorization_code"))
	router.Post("/refresh", tokenHandler(log, accountsSvc, "refresh_token"))

	router.Post("/telegram", telegramHandler(log, tgBot))

	router.Route("/api/v1.0", func(r chi.Router) {
		// availability probe, the assistant only ever sends HEAD
		r.Head("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		r.Route("/user", func(r chi.Router) {
			r.Post("/unlink", unlinkHandler(log, accountsSvc))
			r.Get("/devices", listDevicesHandler(log, accountsSvc, b))
			r.Post("/devices/query", queryDevicesHandler(log, accountsSvc, b))
			r.Post("/devices/action", actionDevicesHandler(log, accountsSvc, b))
		})
	})

	return router, nil
}

// tokenHandler exchanges an authorization code or a refresh token for
// a fresh token pair. The artifact is unwrapped with the secret the
// client presents, so a client holding the wrong secret fails the
// lookup without any secret comparison here.
func tokenHandler(log zerolog.Logger, svc *accounts.Service, grantType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "issue-tokens")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		if err = r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if r.PostForm.Get("client_id") != svc.ClientID() || r.PostForm.Get("grant_type") != grantType {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		secret, err := hex.DecodeString(r.PostForm.Get("client_secret"))
		if err != nil || len(secret) == 0 {
			err = nil
			w.WriteHeader(http.StatusForbidden)
			return
		}

		var user *accounts.User

		if grantType == "refresh_token" {
			user, err = svc.ExchangeRefresh(r.PostForm.Get("refresh_token"), secret)
		} else {
			user, err = svc.ExchangeCode(r.PostForm.Get("code"), secret)
		}

		if err != nil {
			requestLogger.Warn().Err(err).Str("grant", grantType).Msg("token exchange failed")
			err = nil
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		tokens, err := svc.IssueTokens(ctx, user)
		if err != nil {
			requestLogger.Error().Err(err).Msg("failed to issue tokens")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		requestLogger.Info().Str("user", user.Name).Str("grant", grantType).Msg("issued token pair")

		writeJSON(w, http.StatusOK, tokens)
	}
}

func telegramHandler(log zerolog.Logger, tgBot *bot.Bot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		ctx := logging.NewContextWithLogger(r.Context(), log)

		body, err := io.ReadAll(r.Body)
		if err == nil {
			tgBot.HandleUpdate(ctx, body)
		}

		// the bot API retries anything but a 200
		w.WriteHeader(http.StatusOK)
	}
}

func unlinkHandler(log zerolog.Logger, svc *accounts.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "unlink-account")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		user, ok := svc.FindByBearer(r.Header.Get("Authorization"))
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if err = svc.Unlink(ctx, user); err != nil {
			requestLogger.Error().Err(err).Msg("failed to unlink account")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		requestLogger.Info().Str("user", user.Name).Msg("account unlinked")

		writeJSON(w, http.StatusOK, map[string]any{
			"request_id": r.Header.Get("X-Request-Id"),
		})
	}
}

func listDevicesHandler(log zerolog.Logger, svc *accounts.Service, b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		defer r.Body.Close()

		_, span := tracer.Start(r.Context(), "list-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		user, ok := svc.FindByBearer(r.Header.Get("Authorization"))
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		devices := []types.DeviceDescription{}

		for _, session := range b.Sessions(user.Chat) {
			devices = append(devices, session.Describe()...)
		}

		b.CountAPICall()

		writeJSON(w, http.StatusOK, map[string]any{
			"request_id": r.Header.Get("X-Request-Id"),
			"payload": map[string]any{
				"user_id": user.Name,
				"devices": devices,
			},
		})
	}
}

func queryDevicesHandler(log zerolog.Logger, svc *accounts.Service, b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		defer r.Body.Close()

		_, span := tracer.Start(r.Context(), "query-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		user, ok := svc.FindByBearer(r.Header.Get("Authorization"))
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var request types.QueryRequest

		if err = json.NewDecoder(r.Body).Decode(&request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		states := make([]types.DeviceState, 0, len(request.Devices))

		for _, requested := range request.Devices {
			state := types.DeviceState{ID: requested.ID}

			hubID, deviceKey, endpointID := parseWireID(requested.ID)

			session, ok := b.Session(user.Chat, hubID)
			if !ok {
				state.ErrorCode = types.ErrorDeviceUnreachable
				states = append(states, state)
				continue
			}

			capabilities, properties, queryErr := session.Query(deviceKey, endpointID)

			switch {
			case errors.Is(queryErr, hub.ErrDeviceNotFound):
				state.ErrorCode = types.ErrorDeviceNotFound
			case queryErr != nil:
				state.ErrorCode = types.ErrorDeviceUnreachable
			default:
				state.Capabilities = capabilities
				state.Properties = properties
			}

			states = append(states, state)
		}

		b.CountAPICall()

		writeJSON(w, http.StatusOK, map[string]any{
			"request_id": r.Header.Get("X-Request-Id"),
			"payload": map[string]any{
				"devices": states,
			},
		})
	}
}

func actionDevicesHandler(log zerolog.Logger, svc *accounts.Service, b *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		defer r.Body.Close()

		_, span := tracer.Start(r.Context(), "action-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		user, ok := svc.FindByBearer(r.Header.Get("Authorization"))
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var request types.ActionRequest

		if err = json.NewDecoder(r.Body).Decode(&request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		results := make([]types.ActionDeviceResult, 0, len(request.Payload.Devices))

		for _, requested := range request.Payload.Devices {
			result := types.ActionDeviceResult{ID: requested.ID}

			hubID, deviceKey, endpointID := parseWireID(requested.ID)

			session, ok := b.Session(user.Chat, hubID)
			if !ok {
				result.ActionResult = actionError(types.ErrorDeviceUnreachable)
				results = append(results, result)
				continue
			}

			capabilities, execErr := session.Execute(deviceKey, endpointID, requested.Capabilities)

			switch {
			case errors.Is(execErr, hub.ErrDeviceNotFound):
				result.ActionResult = actionError(types.ErrorDeviceNotFound)
			case execErr != nil:
				result.ActionResult = actionError(types.ErrorDeviceUnreachable)
			default:
				result.ActionResult = map[string]any{"status": types.StatusDone}
				result.Capabilities = capabilities
			}

			results = append(results, result)
		}

		b.CountAPICall()

		writeJSON(w, http.StatusOK, map[string]any{
			"request_id": r.Header.Get("X-Request-Id"),
			"payload": map[string]any{
				"devices": results,
			},
		})
	}
}

// parseWireID splits a wire device id into the hub unique id, the hub
// internal device key and an optional endpoint id. The device key is
// itself two path segments (service and identity).
func parseWireID(id string) (string, string, int) {
	parts := strings.SplitN(id, "/", 4)

	if len(parts) < 3 {
		return id, "", 0
	}

	endpointID := 0
	if len(parts) == 4 {
		endpointID, _ = strconv.Atoi(parts[3])
	}

	return parts[0], parts[1] + "/" + parts[2], endpointID
}

func actionError(code string) map[string]any {
	return map[string]any{
		"status":     types.StatusError,
		"error_code": code,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

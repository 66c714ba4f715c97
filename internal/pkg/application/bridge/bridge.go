package bridge

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"

	"github.com/homed/cloud-bridge/internal/pkg/application/accounts"
	"github.com/homed/cloud-bridge/internal/pkg/application/devices"
	"github.com/homed/cloud-bridge/internal/pkg/application/hub"
	"github.com/homed/cloud-bridge/internal/pkg/application/skill"
	"github.com/homed/cloud-bridge/internal/pkg/application/webevents"
	"github.com/homed/cloud-bridge/pkg/types"
)

const statsInterval = 10 * time.Second

// Bridge owns the session registry and fans hub events out to the
// voice-assistant skill, the message bus and webhook subscribers. It
// is the hub.Handler of every session.
type Bridge struct {
	accounts  *accounts.Service
	skill     *skill.Client
	events    webevents.EventSender
	messenger messaging.MsgContext

	mu       sync.RWMutex
	sessions map[int64]map[string]*hub.Session
	owners   map[string]int64

	apiCount   uint32
	eventCount uint32
}

func New(accountsSvc *accounts.Service, skillClient *skill.Client, events webevents.EventSender, messenger messaging.MsgContext) *Bridge {
	return &Bridge{
		accounts:  accountsSvc,
		skill:     skillClient,
		events:    events,
		messenger: messenger,
		sessions:  map[int64]map[string]*hub.Session{},
		owners:    map[string]int64{},
	}
}

// Authorize resolves the hub-presented client token to a user and
// claims the session. A reconnecting hub replaces its previous
// session.
func (b *Bridge) Authorize(ctx context.Context, s *hub.Session, uniqueID string, token []byte) bool {
	log := logging.GetFromContext(ctx)

	user, ok := b.accounts.FindByClientToken(token)
	if !ok {
		log.Warn().Str("hub", uniqueID).Msg("hub presented unknown client token")
		return false
	}

	var stale *hub.Session

	b.mu.Lock()

	if b.sessions[user.Chat] == nil {
		b.sessions[user.Chat] = map[string]*hub.Session{}
	}

	if previous, ok := b.sessions[user.Chat][uniqueID]; ok && previous != s {
		stale = previous
		delete(b.owners, previous.ID())
	}

	b.sessions[user.Chat][uniqueID] = s
	b.owners[s.ID()] = user.Chat

	b.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	log.Info().Str("hub", uniqueID).Str("user", user.Name).Msg("hub session authorized")

	b.publish(ctx, &types.HubConnected{UserID: user.Name, HubID: uniqueID, Timestamp: time.Now()})

	if err := b.events.HubConnected(ctx, user.Name, uniqueID); err != nil {
		log.Error().Err(err).Msg("failed to notify subscribers about hub connection")
	}

	return true
}

func (b *Bridge) Disconnected(ctx context.Context, s *hub.Session) {
	b.mu.Lock()

	chat, ok := b.owners[s.ID()]
	if !ok {
		b.mu.Unlock()
		return
	}

	delete(b.owners, s.ID())

	hubID := s.UniqueID()

	for uid, claimed := range b.sessions[chat] {
		if claimed == s {
			delete(b.sessions[chat], uid)
			hubID = uid
			break
		}
	}

	if len(b.sessions[chat]) == 0 {
		delete(b.sessions, chat)
	}

	b.mu.Unlock()

	if user, ok := b.accounts.FindByChat(chat); ok {
		b.publish(ctx, &types.HubDisconnected{UserID: user.Name, HubID: hubID, Timestamp: time.Now()})
	}
}

func (b *Bridge) DevicesUpdated(ctx context.Context, s *hub.Session) {
	user, ok := b.owner(s)
	if !ok {
		return
	}

	atomic.AddUint32(&b.eventCount, 1)

	b.skill.NotifyDiscovery(ctx, user.Name)

	b.publish(ctx, &types.DevicesUpdated{
		UserID:    user.Name,
		HubID:     s.UniqueID(),
		Devices:   s.DeviceCount(),
		Timestamp: time.Now(),
	})

	if err := b.events.DevicesUpdated(ctx, user.Name, s.UniqueID(), s.DeviceCount()); err != nil {
		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Msg("failed to notify subscribers about device update")
	}
}

func (b *Bridge) DataUpdated(ctx context.Context, s *hub.Session, endpoint *devices.Endpoint) {
	user, ok := b.owner(s)
	if !ok {
		return
	}

	capabilities, properties := s.CollectUpdates(endpoint)
	if len(capabilities) == 0 && len(properties) == 0 {
		return
	}

	atomic.AddUint32(&b.eventCount, 1)

	b.skill.NotifyState(ctx, user.Name, s.EndpointWireID(endpoint), capabilities, properties)
}

func (b *Bridge) owner(s *hub.Session) (*accounts.User, bool) {
	b.mu.RLock()
	chat, ok := b.owners[s.ID()]
	b.mu.RUnlock()

	if !ok {
		return nil, false
	}

	return b.accounts.FindByChat(chat)
}

// Sessions returns the user's hub sessions ordered by hub id.
func (b *Bridge) Sessions(chat int64) []*hub.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sessions := make([]*hub.Session, 0, len(b.sessions[chat]))
	for _, s := range b.sessions[chat] {
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UniqueID() < sessions[j].UniqueID()
	})

	return sessions
}

func (b *Bridge) Session(chat int64, hubID string) (*hub.Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.sessions[chat][hubID]
	return s, ok
}

func (b *Bridge) sessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, sessions := range b.sessions {
		count += len(sessions)
	}

	return count
}

// CountAPICall feeds the usage statistics; called once per handled
// smart-home API request.
func (b *Bridge) CountAPICall() {
	atomic.AddUint32(&b.apiCount, 1)
}

// StartStatsTicker publishes a usage snapshot every ten seconds and
// resets the interval counters.
func (b *Bridge) StartStatsTicker(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.publish(ctx, &types.StatsSample{
					Users:     b.accounts.Count(),
					Hubs:      b.sessionCount(),
					APICalls:  atomic.SwapUint32(&b.apiCount, 0),
					Events:    atomic.SwapUint32(&b.eventCount, 0),
					Timestamp: now,
				})
			}
		}
	}()
}

func (b *Bridge) publish(ctx context.Context, message messaging.TopicMessage) {
	if b.messenger == nil {
		return
	}

	if err := b.messenger.PublishOnTopic(ctx, message); err != nil {
		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Msgf("failed to publish %s", message.TopicName())
	}
}

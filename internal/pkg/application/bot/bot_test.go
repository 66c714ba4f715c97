package bot

import (
	"context"
	"fmt"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/homed/cloud-bridge/internal/pkg/application/accounts"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/storage"
)

func setupTest(t *testing.T) (*is.I, context.Context, *accounts.Service, *Bot) {
	is := is.New(t)
	ctx := context.Background()

	store, err := storage.New(storage.NewSQLiteConnector(zerolog.Nop(), "file::memory:"))
	is.NoErr(err)

	svc, err := accounts.New(ctx, "test-client", []byte("0123456789abcdef"), store)
	is.NoErr(err)

	// empty bot token keeps replies local
	return is, ctx, svc, New("", svc)
}

func privateMessage(chat int64, text string) []byte {
	return []byte(fmt.Sprintf(`{"message":{"text":"%s","chat":{"id":%d,"type":"private"},"from":{"is_bot":false}}}`, text, chat))
}

func TestThatStartProvisionsANewAccount(t *testing.T) {
	is, ctx, svc, b := setupTest(t)

	b.HandleUpdate(ctx, privateMessage(100, "/start"))

	_, ok := svc.FindByChat(100)
	is.True(ok)
}

func TestThatStartLeavesAnExistingAccountAlone(t *testing.T) {
	is, ctx, svc, b := setupTest(t)

	credentials, err := svc.Provision(ctx, 100)
	is.NoErr(err)

	b.HandleUpdate(ctx, privateMessage(100, "/start"))

	_, ok := svc.Authenticate(credentials.Name, credentials.Password)
	is.True(ok)
}

func TestThatRenewNeedsAConfirmation(t *testing.T) {
	is, ctx, svc, b := setupTest(t)

	credentials, err := svc.Provision(ctx, 100)
	is.NoErr(err)

	b.HandleUpdate(ctx, privateMessage(100, "/renew"))

	// still the old credentials until confirmed
	_, ok := svc.Authenticate(credentials.Name, credentials.Password)
	is.True(ok)

	b.HandleUpdate(ctx, privateMessage(100, "/confirm"))

	_, ok = svc.Authenticate(credentials.Name, credentials.Password)
	is.True(!ok)
	is.Equal(svc.Count(), 1)
}

func TestThatRemoveNeedsAConfirmation(t *testing.T) {
	is, ctx, svc, b := setupTest(t)

	_, err := svc.Provision(ctx, 100)
	is.NoErr(err)

	b.HandleUpdate(ctx, privateMessage(100, "/remove"))
	is.Equal(svc.Count(), 1)

	b.HandleUpdate(ctx, privateMessage(100, "/confirm"))
	is.Equal(svc.Count(), 0)
}

func TestThatCancelAbortsAPendingRemoval(t *testing.T) {
	is, ctx, svc, b := setupTest(t)

	_, err := svc.Provision(ctx, 100)
	is.NoErr(err)

	b.HandleUpdate(ctx, privateMessage(100, "/remove"))
	b.HandleUpdate(ctx, privateMessage(100, "/cancel"))
	b.HandleUpdate(ctx, privateMessage(100, "/confirm"))

	is.Equal(svc.Count(), 1)
}

func TestThatGroupChatsAreIgnored(t *testing.T) {
	is, ctx, svc, b := setupTest(t)

	b.HandleUpdate(ctx, []byte(`{"message":{"text":"/start","chat":{"id":100,"type":"group"},"from":{"is_bot":false}}}`))

	_, ok := svc.FindByChat(100)
	is.True(!ok)
}

func TestThatBotSendersAreIgnored(t *testing.T) {
	is, ctx, svc, b := setupTest(t)

	b.HandleUpdate(ctx, []byte(`{"message":{"text":"/start","chat":{"id":100,"type":"private"},"from":{"is_bot":true}}}`))

	_, ok := svc.FindByChat(100)
	is.True(!ok)
}

func TestThatGarbagePayloadsAreDropped(t *testing.T) {
	is, ctx, svc, b := setupTest(t)

	b.HandleUpdate(ctx, []byte(`not json at all`))
	is.Equal(svc.Count(), 0)
}

package accounts

import (
	"context"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/storage"
)

func setupTest(t *testing.T) (*is.I, context.Context, *Service, storage.UserRepository) {
	is := is.New(t)
	ctx := context.Background()

	store, err := storage.New(storage.NewSQLiteConnector(zerolog.Nop(), "file::memory:"))
	is.NoErr(err)

	svc, err := New(ctx, "test-client", []byte("0123456789abcdef"), store)
	is.NoErr(err)

	return is, ctx, svc, store
}

func TestThatProvisionCreatesAWorkingAccount(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	credentials, err := svc.Provision(ctx, 1234)
	is.NoErr(err)

	is.Equal(len(credentials.Name), 15) // user_ + five random bytes in hex
	is.Equal(credentials.Name[:5], "user_")
	is.Equal(len(credentials.Password), 16)
	is.Equal(len(credentials.ClientToken), 64)

	user, ok := svc.Authenticate(credentials.Name, credentials.Password)
	is.True(ok)
	is.Equal(user.Chat, int64(1234))
}

func TestThatProvisionRekeysAnExistingAccount(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	first, err := svc.Provision(ctx, 1234)
	is.NoErr(err)

	second, err := svc.Provision(ctx, 1234)
	is.NoErr(err)

	is.Equal(svc.Count(), 1)

	_, ok := svc.Authenticate(first.Name, first.Password)
	is.True(!ok)

	_, ok = svc.Authenticate(second.Name, second.Password)
	is.True(ok)
}

func TestThatUsersSurviveARestart(t *testing.T) {
	is, ctx, svc, store := setupTest(t)

	credentials, err := svc.Provision(ctx, 42)
	is.NoErr(err)

	reloaded, err := New(ctx, "test-client", []byte("0123456789abcdef"), store)
	is.NoErr(err)

	is.Equal(reloaded.Count(), 1)

	_, ok := reloaded.Authenticate(credentials.Name, credentials.Password)
	is.True(ok)
}

func TestThatAuthorizationCodesAreOneShot(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	credentials, _ := svc.Provision(ctx, 1)
	user, _ := svc.FindByName(credentials.Name)

	code, err := svc.IssueCode(user)
	is.NoErr(err)

	exchanged, err := svc.ExchangeCode(code, []byte("0123456789abcdef"))
	is.NoErr(err)
	is.Equal(exchanged.Chat, user.Chat)

	_, err = svc.ExchangeCode(code, []byte("0123456789abcdef"))
	is.True(err != nil)
}

func TestThatTheWrongClientSecretFailsTheExchange(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	credentials, _ := svc.Provision(ctx, 1)
	user, _ := svc.FindByName(credentials.Name)

	code, err := svc.IssueCode(user)
	is.NoErr(err)

	_, err = svc.ExchangeCode(code, []byte("fedcba9876543210"))
	is.True(err != nil)
}

func TestThatIssuedTokensAuthenticateBearers(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	credentials, _ := svc.Provision(ctx, 1)
	user, _ := svc.FindByName(credentials.Name)

	tokens, err := svc.IssueTokens(ctx, user)
	is.NoErr(err)
	is.Equal(tokens.TokenType, "Bearer")

	found, ok := svc.FindByBearer("Bearer " + tokens.AccessToken)
	is.True(ok)
	is.Equal(found.Chat, user.Chat)

	_, ok = svc.FindByBearer(tokens.AccessToken)
	is.True(!ok) // missing scheme prefix
}

func TestThatRefreshRotatesAndInvalidatesTheOldPair(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	credentials, _ := svc.Provision(ctx, 1)
	user, _ := svc.FindByName(credentials.Name)

	old, err := svc.IssueTokens(ctx, user)
	is.NoErr(err)

	refreshed, err := svc.ExchangeRefresh(old.RefreshToken, []byte("0123456789abcdef"))
	is.NoErr(err)

	fresh, err := svc.IssueTokens(ctx, refreshed)
	is.NoErr(err)

	_, ok := svc.FindByBearer("Bearer " + old.AccessToken)
	is.True(!ok)

	_, ok = svc.FindByBearer("Bearer " + fresh.AccessToken)
	is.True(ok)

	_, err = svc.ExchangeRefresh(old.RefreshToken, []byte("0123456789abcdef"))
	is.True(err != nil)
}

func TestThatUnlinkDropsTheTokenPair(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	credentials, _ := svc.Provision(ctx, 1)
	user, _ := svc.FindByName(credentials.Name)

	tokens, _ := svc.IssueTokens(ctx, user)

	err := svc.Unlink(ctx, user)
	is.NoErr(err)

	_, ok := svc.FindByBearer("Bearer " + tokens.AccessToken)
	is.True(!ok)

	// the account itself stays
	_, ok = svc.FindByChat(user.Chat)
	is.True(ok)
}

func TestThatRemoveDeletesTheAccount(t *testing.T) {
	is, ctx, svc, store := setupTest(t)

	svc.Provision(ctx, 1)

	err := svc.Remove(ctx, 1)
	is.NoErr(err)

	_, ok := svc.FindByChat(1)
	is.True(!ok)

	records, err := store.GetUsers(ctx)
	is.NoErr(err)
	is.Equal(len(records), 0)

	is.Equal(svc.Remove(ctx, 1), ErrNotFound)
}

func TestThatHubClientTokensResolveTheirOwner(t *testing.T) {
	is, ctx, svc, _ := setupTest(t)

	credentials, _ := svc.Provision(ctx, 7)
	user, _ := svc.FindByChat(7)

	is.Equal(len(user.ClientToken), TokenSize)

	found, ok := svc.FindByClientToken(user.ClientToken)
	is.True(ok)
	is.Equal(found.Name, credentials.Name)

	_, ok = svc.FindByClientToken(make([]byte, TokenSize))
	is.True(!ok)
}

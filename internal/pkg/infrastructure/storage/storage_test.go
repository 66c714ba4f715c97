package storage

import (
	"context"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func setupTest(t *testing.T) (*is.I, context.Context, UserRepository) {
	is := is.New(t)

	repo, err := New(NewSQLiteConnector(zerolog.Nop(), "file::memory:"))
	is.NoErr(err)

	return is, context.Background(), repo
}

func TestThatUsersRoundTrip(t *testing.T) {
	is, ctx, repo := setupTest(t)

	err := repo.Save(ctx, &User{
		Chat:        1234,
		Name:        "user_0011223344",
		Hash:        "aabb",
		ClientToken: "ccdd",
		TokenExpire: 42,
	})
	is.NoErr(err)

	users, err := repo.GetUsers(ctx)
	is.NoErr(err)
	is.Equal(len(users), 1)
	is.Equal(users[0].Name, "user_0011223344")
	is.Equal(users[0].TokenExpire, int64(42))
}

func TestThatSavingAgainUpdatesInPlace(t *testing.T) {
	is, ctx, repo := setupTest(t)

	is.NoErr(repo.Save(ctx, &User{Chat: 1234, Name: "user_aa", AccessToken: "01"}))
	is.NoErr(repo.Save(ctx, &User{Chat: 1234, Name: "user_aa", AccessToken: "02"}))

	users, err := repo.GetUsers(ctx)
	is.NoErr(err)
	is.Equal(len(users), 1)
	is.Equal(users[0].AccessToken, "02")
}

func TestThatDeleteRemovesTheRow(t *testing.T) {
	is, ctx, repo := setupTest(t)

	is.NoErr(repo.Save(ctx, &User{Chat: 1234, Name: "user_aa"}))
	is.NoErr(repo.Delete(ctx, 1234))

	users, err := repo.GetUsers(ctx)
	is.NoErr(err)
	is.Equal(len(users), 0)
}

func TestThatDeletingAMissingRowIsNotAnError(t *testing.T) {
	is, ctx, repo := setupTest(t)

	is.NoErr(repo.Delete(ctx, 999))
}

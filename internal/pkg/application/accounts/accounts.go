package accounts

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/crypto"
	"github.com/homed/cloud-bridge/internal/pkg/infrastructure/storage"
)

const (
	// token material sizes, in bytes
	TokenSize = 32

	CodeTTL  = 60 * time.Second
	TokenTTL = 8640000 * time.Second
)

var (
	ErrNotFound     = fmt.Errorf("user not found")
	ErrCodeExpired  = fmt.Errorf("authorization code expired or unknown")
	ErrTokenExpired = fmt.Errorf("token expired or unknown")
)

// User is the in-memory account state. The hub authenticates with the
// client token; the voice assistant with the access token; the human
// with name and password on the login page.
type User struct {
	Chat         int64
	Name         string
	hash         string
	ClientToken  []byte
	accessToken  []byte
	refreshToken []byte
	tokenExpire  int64
	timestamp    int64
}

type authCode struct {
	user    *User
	expires time.Time
}

// Service owns the account registry, the short-lived authorization
// codes and the OAuth token lifecycle. All state is guarded by a
// single lock; persistence goes through the user repository.
type Service struct {
	clientID string
	cipher   *crypto.TokenCipher
	store    storage.UserRepository

	mu    sync.RWMutex
	users map[int64]*User
	codes map[string]authCode
}

func New(ctx context.Context, clientID string, clientSecret []byte, store storage.UserRepository) (*Service, error) {
	svc := &Service{
		clientID: clientID,
		cipher:   crypto.NewTokenCipher(clientSecret),
		store:    store,
		users:    map[int64]*User{},
		codes:    map[string]authCode{},
	}

	records, err := store.GetUsers(ctx)
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		user := &User{
			Chat:        r.Chat,
			Name:        r.Name,
			hash:        r.Hash,
			tokenExpire: r.TokenExpire,
			timestamp:   r.Timestamp,
		}

		user.ClientToken, _ = hex.DecodeString(r.ClientToken)
		user.accessToken, _ = hex.DecodeString(r.AccessToken)
		user.refreshToken, _ = hex.DecodeString(r.RefreshToken)

		svc.users[user.Chat] = user
	}

	log := logging.GetFromContext(ctx)
	log.Info().Msgf("loaded %d users from storage", len(svc.users))

	return svc, nil
}

func (s *Service) ClientID() string { return s.clientID }

func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Service) FindByName(name string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Name == name {
			return user, true
		}
	}

	return nil, false
}

func (s *Service) FindByChat(chat int64) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[chat]
	return user, ok
}

// FindByClientToken resolves the hub-supplied authorization token to
// its owning user.
func (s *Service) FindByClientToken(token []byte) (*User, bool) {
	if len(token) != TokenSize {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if bytes.Equal(user.ClientToken, token) {
			return user, true
		}
	}

	return nil, false
}

// Authenticate verifies the login form credentials. The stored hash
// is hex(salt) followed by hex(md5(salt || password)).
func (s *Service) Authenticate(name, password string) (*User, bool) {
	user, ok := s.FindByName(name)
	if !ok {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(user.hash) != 64 {
		return nil, false
	}

	salt, err := hex.DecodeString(user.hash[:32])
	if err != nil {
		return nil, false
	}

	digest := md5.Sum(append(salt, []byte(password)...))

	if user.hash[32:] != hex.EncodeToString(digest[:]) {
		return nil, false
	}

	return user, true
}

// IssueCode mints a one-shot authorization code for a just
// authenticated user and returns its wire form.
func (s *Service) IssueCode(user *User) (string, error) {
	raw := make([]byte, TokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	wrapped, err := s.cipher.Wrap(raw)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.codes[hex.EncodeToString(raw)] = authCode{user: user, expires: time.Now().Add(CodeTTL)}
	s.mu.Unlock()

	return hex.EncodeToString(wrapped), nil
}

// ExchangeCode consumes an authorization code. The code is unwrapped
// with the secret the client presented, so a client holding the wrong
// secret produces garbage and simply fails the lookup.
func (s *Service) ExchangeCode(wireCode string, clientSecret []byte) (*User, error) {
	wrapped, err := hex.DecodeString(wireCode)
	if err != nil {
		return nil, ErrCodeExpired
	}

	raw, err := crypto.NewTokenCipher(clientSecret).Unwrap(wrapped)
	if err != nil {
		return nil, ErrCodeExpired
	}

	if len(raw) > TokenSize {
		raw = raw[:TokenSize]
	}

	key := hex.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[key]
	if !ok {
		return nil, ErrCodeExpired
	}

	delete(s.codes, key)

	if time.Now().After(code.expires) {
		return nil, ErrCodeExpired
	}

	return code.user, nil
}

// TokenResponse is the OAuth token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// IssueTokens rotates the user's access/refresh pair, persists it and
// returns the wrapped wire forms. The previous pair stops matching
// immediately.
func (s *Service) IssueTokens(ctx context.Context, user *User) (TokenResponse, error) {
	access := make([]byte, TokenSize)
	refresh := make([]byte, TokenSize)

	if _, err := rand.Read(access); err != nil {
		return TokenResponse{}, err
	}
	if _, err := rand.Read(refresh); err != nil {
		return TokenResponse{}, err
	}

	wrappedAccess, err := s.cipher.Wrap(access)
	if err != nil {
		return TokenResponse{}, err
	}

	wrappedRefresh, err := s.cipher.Wrap(refresh)
	if err != nil {
		return TokenResponse{}, err
	}

	s.mu.Lock()
	user.accessToken = access
	user.refreshToken = refresh
	user.tokenExpire = time.Now().Add(TokenTTL).Unix()
	record := s.record(user)
	s.mu.Unlock()

	if err := s.store.Save(ctx, &record); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  hex.EncodeToString(wrappedAccess),
		RefreshToken: hex.EncodeToString(wrappedRefresh),
		TokenType:    "Bearer",
		ExpiresIn:    int64(TokenTTL / time.Second),
	}, nil
}

// ExchangeRefresh resolves a refresh token to its user so a new pair
// can be issued.
func (s *Service) ExchangeRefresh(wireToken string, clientSecret []byte) (*User, error) {
	raw, err := s.unwrapWire(wireToken, clientSecret)
	if err != nil {
		return nil, ErrTokenExpired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if len(user.refreshToken) == TokenSize && bytes.Equal(user.refreshToken, raw) {
			return user, nil
		}
	}

	return nil, ErrTokenExpired
}

// FindByBearer resolves an "Authorization: Bearer <hex>" header to a
// user holding a matching, unexpired access token.
func (s *Service) FindByBearer(header string) (*User, bool) {
	const prefix = "Bearer "

	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, false
	}

	raw, err := s.unwrapWire(header[len(prefix):], nil)
	if err != nil {
		return nil, false
	}

	now := time.Now().Unix()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if len(user.accessToken) == TokenSize && bytes.Equal(user.accessToken, raw) && user.tokenExpire > now {
			return user, true
		}
	}

	return nil, false
}

func (s *Service) unwrapWire(wire string, clientSecret []byte) ([]byte, error) {
	wrapped, err := hex.DecodeString(wire)
	if err != nil {
		return nil, err
	}

	cipher := s.cipher
	if clientSecret != nil {
		cipher = crypto.NewTokenCipher(clientSecret)
	}

	raw, err := cipher.Unwrap(wrapped)
	if err != nil {
		return nil, err
	}

	if len(raw) > TokenSize {
		raw = raw[:TokenSize]
	}

	return raw, nil
}

// Unlink drops the user's token pair, disconnecting the account from
// the voice assistant until the next OAuth round trip.
func (s *Service) Unlink(ctx context.Context, user *User) error {
	s.mu.Lock()
	user.accessToken = nil
	user.refreshToken = nil
	user.tokenExpire = 0
	record := s.record(user)
	s.mu.Unlock()

	return s.store.Save(ctx, &record)
}

// Credentials are the freshly minted login and hub secrets, returned
// once to be handed to the human.
type Credentials struct {
	Name        string
	Password    string
	ClientToken string
}

// Provision creates or fully re-keys the account for a chat id: new
// name, password and client token, previous OAuth tokens dropped.
func (s *Service) Provision(ctx context.Context, chat int64) (Credentials, error) {
	suffix, err := randomHex(5)
	if err != nil {
		return Credentials{}, err
	}

	password, err := randomHex(8)
	if err != nil {
		return Credentials{}, err
	}

	clientToken := make([]byte, TokenSize)
	if _, err := rand.Read(clientToken); err != nil {
		return Credentials{}, err
	}

	s.mu.Lock()

	user, ok := s.users[chat]
	if !ok {
		user = &User{Chat: chat}
		s.users[chat] = user
	}

	user.Name = "user_" + suffix
	user.ClientToken = clientToken
	user.accessToken = nil
	user.refreshToken = nil
	user.tokenExpire = 0
	user.timestamp = time.Now().Unix()

	if err := s.setPassword(user, password); err != nil {
		s.mu.Unlock()
		return Credentials{}, err
	}

	credentials := Credentials{
		Name:        user.Name,
		Password:    password,
		ClientToken: hex.EncodeToString(clientToken),
	}

	record := s.record(user)
	s.mu.Unlock()

	if err := s.store.Save(ctx, &record); err != nil {
		return Credentials{}, err
	}

	return credentials, nil
}

// Remove deletes the account entirely, both in memory and in storage.
func (s *Service) Remove(ctx context.Context, chat int64) error {
	s.mu.Lock()
	_, ok := s.users[chat]
	delete(s.users, chat)
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	return s.store.Delete(ctx, chat)
}

// StartCodeSweeper drops expired authorization codes once a second
// until the context is cancelled.
func (s *Service) StartCodeSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.mu.Lock()
				for key, code := range s.codes {
					if now.After(code.expires) {
						delete(s.codes, key)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

func (s *Service) setPassword(user *User, password string) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	digest := md5.Sum(append(append([]byte(nil), salt...), []byte(password)...))
	user.hash = hex.EncodeToString(salt) + hex.EncodeToString(digest[:])

	return nil
}

// record snapshots a user for persistence; callers hold the lock.
func (s *Service) record(user *User) storage.User {
	return storage.User{
		Chat:         user.Chat,
		Name:         user.Name,
		Hash:         user.hash,
		ClientToken:  hex.EncodeToString(user.ClientToken),
		AccessToken:  hex.EncodeToString(user.accessToken),
		RefreshToken: hex.EncodeToString(user.refreshToken),
		TokenExpire:  user.tokenExpire,
		Timestamp:    user.timestamp,
	}
}

func randomHex(n int) (string, error) {
	buffer := make([]byte, n)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}

package sessionkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "user@example.com"
	testPassword = "correct-horse"
)

type testClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *testClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(delta)
}

type recordingCookieSink struct {
	mutex   sync.Mutex
	cookies []Cookie
}

func (sink *recordingCookieSink) SetCookie(cookie Cookie) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.cookies = append(sink.cookies, cookie)
}

func (sink *recordingCookieSink) last() (Cookie, bool) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	if len(sink.cookies) == 0 {
		return Cookie{}, false
	}
	return sink.cookies[len(sink.cookies)-1], true
}

type publishedEvent struct {
	Topic   string
	Message []byte
}

type recordingPublisher struct {
	mutex  sync.Mutex
	events []publishedEvent
	err    error
}

func (publisher *recordingPublisher) Publish(ctx context.Context, topic string, message []byte) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	if publisher.err != nil {
		return publisher.err
	}
	publisher.events = append(publisher.events, publishedEvent{Topic: topic, Message: message})
	return nil
}

func (publisher *recordingPublisher) topics() []string {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	topics := make([]string, 0, len(publisher.events))
	for _, event := range publisher.events {
		topics = append(topics, event.Topic)
	}
	return topics
}

// faultyStore injects errors into selected store calls.
type faultyStore struct {
	RefreshTokenStore
	storeErr  error
	listErr   error
	evictErr  error
	revokeErr error
}

func (store *faultyStore) StoreToken(ctx context.Context, hashedToken string, userID uuid.UUID, expiresAt time.Time) error {
	if store.storeErr != nil {
		return store.storeErr
	}
	return store.RefreshTokenStore.StoreToken(ctx, hashedToken, userID, expiresAt)
}

func (store *faultyStore) GetValidTokensForUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	return store.RefreshTokenStore.GetValidTokensForUser(ctx, userID)
}

func (store *faultyStore) RevokeOldestTokens(ctx context.Context, userID uuid.UUID, count int) (int, error) {
	if store.evictErr != nil {
		return 0, store.evictErr
	}
	return store.RefreshTokenStore.RevokeOldestTokens(ctx, userID, count)
}

func (store *faultyStore) RevokeToken(ctx context.Context, hashedToken string) error {
	if store.revokeErr != nil {
		return store.revokeErr
	}
	return store.RefreshTokenStore.RevokeToken(ctx, hashedToken)
}

type serviceFixture struct {
	service   *Service
	store     *MemoryRefreshTokenStore
	faulty    *faultyStore
	directory *MemoryUserDirectory
	hasher    *TokenHasher
	signer    *JWTSigner
	publisher *recordingPublisher
	metrics   *CounterMetrics
	clock     *testClock
	user      User
}

func newServiceFixture(t *testing.T, maxSessions int) *serviceFixture {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryRefreshTokenStore(clock)
	faulty := &faultyStore{RefreshTokenStore: store}
	directory := NewMemoryUserDirectory()
	hasher, hasherErr := NewTokenHasher("HmacSHA256", "hmac-test-secret")
	if hasherErr != nil {
		t.Fatalf("hasher: %v", hasherErr)
	}
	signer, signerErr := NewJWTSigner(JWTSignerConfig{
		SigningKey: []byte("jwt-test-secret"),
		Issuer:     "sessiond-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		Clock:      clock,
	})
	if signerErr != nil {
		t.Fatalf("signer: %v", signerErr)
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if hashErr != nil {
		t.Fatalf("bcrypt: %v", hashErr)
	}
	user := User{
		ID:           uuid.New(),
		Email:        testEmail,
		PasswordHash: string(passwordHash),
		Enabled:      true,
		CreatedAt:    clock.Now(),
		LastActive:   clock.Now(),
	}
	if err := directory.Save(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	publisher := &recordingPublisher{}
	metrics := NewCounterMetrics()
	service, serviceErr := NewService(ServerConfig{MaxConcurrentSessions: maxSessions}, Dependencies{
		Store:          faulty,
		Hasher:         hasher,
		Verifier:       NewBcryptCredentialVerifier(directory),
		Directory:      directory,
		Signer:         signer,
		Publisher:      publisher,
		PasswordHasher: NewBcryptPasswordHasher(bcrypt.MinCost),
	}, WithLogger(zaptest.NewLogger(t)), WithMetrics(metrics), WithClock(clock))
	if serviceErr != nil {
		t.Fatalf("service: %v", serviceErr)
	}
	return &serviceFixture{
		service:   service,
		store:     store,
		faulty:    faulty,
		directory: directory,
		hasher:    hasher,
		signer:    signer,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
		user:      user,
	}
}

func (fixture *serviceFixture) loginMobile(t *testing.T) TokenResponse {
	t.Helper()
	response, err := fixture.service.Login(context.Background(), LoginRequest{
		Email:      testEmail,
		Password:   testPassword,
		DeviceType: "mobile",
	}, nil)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if response.AccessToken == "" || response.RefreshToken == "" {
		t.Fatalf("expected both tokens for mobile login, got %#v", response)
	}
	return response
}

func (fixture *serviceFixture) liveSessions(t *testing.T) []string {
	t.Helper()
	tokens, err := fixture.store.GetValidTokensForUser(context.Background(), fixture.user.ID)
	if err != nil {
		t.Fatalf("valid tokens: %v", err)
	}
	return tokens
}

func (fixture *serviceFixture) isLive(rawRefreshToken string) bool {
	_, err := fixture.store.GetUserIDFromToken(context.Background(), fixture.hasher.Hash(rawRefreshToken))
	return err == nil
}

package oauth

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned by store lookups for absent or already consumed
// records.
var ErrNotFound = errors.New("record not found")

// Store is the persistence abstraction for OAuth state. All state is
// volatile by design; implementations must make every read-modify-write
// sequence atomic with respect to concurrent request handlers.
type Store interface {
	SaveClient(client *Client) error
	GetClient(clientID string) (*Client, error)

	SaveAuthCode(code *AuthCode) error
	// ConsumeAuthCode atomically retrieves and deletes an authorization
	// code. Only one concurrent caller can succeed; the rest observe
	// ErrNotFound.
	ConsumeAuthCode(codeHash string) (*AuthCode, error)

	SaveAccessToken(token *AccessToken) error
	// GetAccessToken returns the record for a jti, lazily evicting and
	// reporting ErrNotFound when the record has expired.
	GetAccessToken(jti string) (*AccessToken, error)

	SaveRefreshToken(token *RefreshToken) error
	GetRefreshToken(tokenHash string) (*RefreshToken, error)

	Close()
}

// MemoryStore is the mutex-guarded in-memory Store used by every
// deployment of this server. A background janitor evicts expired codes
// and access tokens in addition to the lazy eviction on access.
type MemoryStore struct {
	mu sync.Mutex

	clients       map[string]*Client
	authCodes     map[string]*AuthCode
	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken

	now    func() time.Time
	logger *slog.Logger

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store with a janitor sweeping at the
// given interval (1 minute if zero).
func NewMemoryStore(cleanupInterval time.Duration, logger *slog.Logger) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		clients:       make(map[string]*Client),
		authCodes:     make(map[string]*AuthCode),
		accessTokens:  make(map[string]*AccessToken),
		refreshTokens: make(map[string]*RefreshToken),
		now:           time.Now,
		logger:        logger,
		stopJanitor:   make(chan struct{}),
	}
	go s.janitor(cleanupInterval)
	return s
}

// SetNowFunc overrides the store clock. Intended for tests.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
}

func (s *MemoryStore) SaveClient(client *Client) error {
	if client == nil || client.ClientID == "" {
		return errors.New("invalid client")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client
	s.logger.Debug("saved client", "client_id", client.ClientID)
	return nil
}

func (s *MemoryStore) GetClient(clientID string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return client, nil
}

func (s *MemoryStore) SaveAuthCode(code *AuthCode) error {
	if code == nil || code.CodeHash == "" {
		return errors.New("invalid authorization code")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.CodeHash] = code
	return nil
}

func (s *MemoryStore) ConsumeAuthCode(codeHash string) (*AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.authCodes[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	// Delete before returning so a concurrent exchange of the same code
	// observes "already consumed". Expiry is the caller's check.
	delete(s.authCodes, codeHash)
	return code, nil
}

func (s *MemoryStore) SaveAccessToken(token *AccessToken) error {
	if token == nil || token.JTI == "" {
		return errors.New("invalid access token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[token.JTI] = token
	return nil
}

func (s *MemoryStore) GetAccessToken(jti string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.accessTokens[jti]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(token.ExpiresAt) {
		delete(s.accessTokens, jti)
		return nil, ErrNotFound
	}
	return token, nil
}

func (s *MemoryStore) SaveRefreshToken(token *RefreshToken) error {
	if token == nil || token.TokenHash == "" {
		return errors.New("invalid refresh token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.TokenHash] = token
	return nil
}

func (s *MemoryStore) GetRefreshToken(tokenHash string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	return token, nil
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopJanitor:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for hash, code := range s.authCodes {
		if now.After(code.ExpiresAt) {
			delete(s.authCodes, hash)
			cleaned++
		}
	}
	for jti, token := range s.accessTokens {
		if now.After(token.ExpiresAt) {
			delete(s.accessTokens, jti)
			cleaned++
		}
	}
	if cleaned > 0 {
		s.logger.Debug("evicted expired grants", "count", cleaned)
	}
}

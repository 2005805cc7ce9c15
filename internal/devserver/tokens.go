package devserver

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/campusportal/internal/apperrors"
)

const (
	defaultAccessTokenTTL  = 5 * time.Minute
	defaultSigningMethod   = "HS256"
	defaultRefreshTokenTTL = 24 * time.Hour
)

// Claims of issued access tokens, named the way the portal decodes them
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Token manager with sensible default
type TokenConfig struct {
	// Secret key to sign access token
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Issue a new refresh token on every refresh and revoke the used one
	Rotate bool
}

type TokenPair struct {
	Access  string
	Refresh string
}

type refreshRecord struct {
	userID    int
	expiresAt time.Time
	revoked   bool
}

type TokenManager struct {
	key        string
	alg        jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotate     bool
	now        func() time.Time

	mu      sync.Mutex
	refresh map[string]refreshRecord
}

func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if alg == nil {
		return nil, fmt.Errorf("unknown signing method %q", cfg.Alg)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	return &TokenManager{
		key:        cfg.SecretKey,
		alg:        alg,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		rotate:     cfg.Rotate,
		now:        time.Now,
		refresh:    make(map[string]refreshRecord),
	}, nil
}

// GeneratePair issues access token and a new refresh token for the user
func (m *TokenManager) GeneratePair(user User) (TokenPair, error) {
	access, err := m.generateAccess(user)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, err := m.generateRefresh(user.ID)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{Access: access, Refresh: refresh}, nil
}

// Refresh issues access token for the refresh token owner.
// With rotation the refresh token is revoked and the pair carries its replacement,
// otherwise Refresh of the pair is empty.
func (m *TokenManager) Refresh(refresh string, lookup func(id int) (User, error)) (TokenPair, error) {
	userID, err := m.useRefresh(refresh)
	if err != nil {
		return TokenPair{}, err
	}

	user, err := lookup(userID)
	if err != nil {
		return TokenPair{}, err
	}

	access, err := m.generateAccess(user)
	if err != nil {
		return TokenPair{}, err
	}
	pair := TokenPair{Access: access}

	if m.rotate {
		pair.Refresh, err = m.generateRefresh(user.ID)
		if err != nil {
			return TokenPair{}, err
		}
	}
	return pair, nil
}

// Revoke blacklists refresh token. Revoking twice is fine
func (m *TokenManager) Revoke(refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.refresh[refresh]
	if !ok {
		return apperrors.ErrRefreshTokenNotFound
	}
	record.revoked = true
	m.refresh[refresh] = record
	return nil
}

// Parse and validate access token
func (m *TokenManager) ParseAccess(access string) (userID int, err error) {
	claims := &AccessTokenClaims{}

	_, err = jwt.ParseWithClaims(
		access,
		claims,
		func(t *jwt.Token) (any, error) {
			return []byte(m.key), nil
		},
		jwt.WithValidMethods([]string{m.alg.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w. Err: %w", apperrors.ErrInvalidAccessToken, err)
	}
	if claims.TokenType != "access" {
		return 0, fmt.Errorf("%w: unexpected token type %q", apperrors.ErrInvalidAccessToken, claims.TokenType)
	}

	return claims.UserID, nil
}

func (m *TokenManager) generateAccess(user User) (string, error) {
	now := m.now().Truncate(time.Second)

	token := jwt.NewWithClaims(
		m.alg,
		AccessTokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
			},
			TokenType: "access",
			UserID:    user.ID,
			Username:  user.Username,
			Email:     user.Email,
			Role:      string(user.Role),
			FirstName: user.FirstName,
			LastName:  user.LastName,
		},
	)
	access, err := token.SignedString([]byte(m.key))
	if err != nil {
		return "", fmt.Errorf("error while signing access token. Err: %w", err)
	}
	return access, nil
}

func (m *TokenManager) generateRefresh(userID int) (string, error) {
	// Generate random refresh token 16 bytes length
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error while generate refresh token. Err: %w", err)
	}
	refresh := hex.EncodeToString(b)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.refresh[refresh] = refreshRecord{userID: userID, expiresAt: m.now().Add(m.refreshTTL)}
	return refresh, nil
}

// Check refresh token and revoke it when rotating
func (m *TokenManager) useRefresh(refresh string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.refresh[refresh]
	switch {
	case !ok:
		return 0, apperrors.ErrRefreshTokenNotFound
	case record.revoked:
		return 0, apperrors.ErrRefreshTokenRevoked
	case !record.expiresAt.After(m.now()):
		return 0, apperrors.ErrRefreshTokenExpired
	}

	if m.rotate {
		record.revoked = true
		m.refresh[refresh] = record
	}
	return record.userID, nil
}

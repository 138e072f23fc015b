package transmit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CredentialMode selects how the device authenticates to the backend.
type CredentialMode string

const (
	// CredentialStatic sends the provisioned device secret directly as
	// the bearer token. This is what first-generation firmware does.
	CredentialStatic CredentialMode = "static"

	// CredentialJWT signs a short-lived HS256 token with the device
	// secret on every rotation, so the secret itself never crosses the
	// wire.
	CredentialJWT CredentialMode = "jwt"
)

// DeviceTokenTTL is how long minted device tokens are valid. Short expiry
// limits exposure if a token leaks from a captured payload.
const DeviceTokenTTL = 15 * time.Minute

// tokenRefreshSkew renews a cached token this long before it expires, so
// an attempt never goes out with a token about to lapse mid-flight.
const tokenRefreshSkew = 30 * time.Second

// ErrUnknownCredentialMode is returned for modes other than static or jwt.
var ErrUnknownCredentialMode = errors.New("unknown credential mode")

// CredentialsConfig holds configuration for device credentials.
type CredentialsConfig struct {
	// Mode selects static secret or minted JWT (default: CredentialStatic).
	Mode CredentialMode

	// DeviceID becomes the subject claim of minted tokens.
	DeviceID string

	// Secret is the provisioned device secret. In static mode it is the
	// bearer token; in jwt mode it is the signing key.
	Secret string

	// Issuer is the issuer claim for minted tokens (default: "devmatch-agent").
	Issuer string

	// TokenTTL overrides DeviceTokenTTL for minted tokens.
	TokenTTL time.Duration

	// Clock supplies token timestamps (default: time.Now). Overridable
	// in tests.
	Clock func() time.Time
}

// Credentials produces the bearer token for delivery attempts. Safe for
// concurrent use.
type Credentials struct {
	mode     CredentialMode
	deviceID string
	secret   []byte
	issuer   string
	tokenTTL time.Duration
	clock    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewCredentials creates device credentials.
func NewCredentials(cfg CredentialsConfig) *Credentials {
	mode := cfg.Mode
	if mode == "" {
		mode = CredentialStatic
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "devmatch-agent"
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = DeviceTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Credentials{
		mode:     mode,
		deviceID: cfg.DeviceID,
		secret:   []byte(cfg.Secret),
		issuer:   issuer,
		tokenTTL: tokenTTL,
		clock:    clock,
	}
}

// Bearer returns the current bearer token, minting or renewing a JWT when
// the mode requires one.
func (c *Credentials) Bearer() (string, error) {
	switch c.mode {
	case CredentialStatic:
		return string(c.secret), nil
	case CredentialJWT:
		return c.mintedToken()
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCredentialMode, c.mode)
	}
}

func (c *Credentials) mintedToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if c.token != "" && now.Before(c.expiresAt.Add(-tokenRefreshSkew)) {
		return c.token, nil
	}

	expiresAt := now.Add(c.tokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   c.deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing device token: %w", err)
	}

	c.token = signed
	c.expiresAt = expiresAt
	return signed, nil
}

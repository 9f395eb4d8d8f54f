package authcore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenPurpose separates full session tokens from the short-lived challenge
// tokens minted mid-login. The pipeline only ever accepts PurposeSession.
type TokenPurpose string

const (
	PurposeSession      TokenPurpose = "session"
	PurposeMfaChallenge TokenPurpose = "mfa_challenge"
)

// MinSigningKeyBytes is the floor for the HS256 signing key. A shorter key is
// a fatal configuration error caught at construction, not at first use.
const MinSigningKeyBytes = 64

// Sentinel errors for codec construction and issuance.
var (
	ErrSigningKeyTooShort = errors.New("codec.signing_key_too_short")
	ErrMissingIssuer      = errors.New("codec.missing_issuer")
	ErrMissingAudience    = errors.New("codec.missing_audience")
	ErrEmptySubject       = errors.New("codec.empty_subject")
)

// SessionClaims is the claim set embedded in every issued token.
type SessionClaims struct {
	Role    string `json:"role"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// RemainingTTL reports how long the token is still naturally valid.
// Revocation entries must live exactly this long.
func (claims *SessionClaims) RemainingTTL(now time.Time) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	remaining := claims.ExpiresAt.Time.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TokenOutcome is the closed set of validation results. Callers branch on the
// outcome instead of matching error chains.
type TokenOutcome int

const (
	TokenValid TokenOutcome = iota
	// TokenExpired is a benign lifecycle event; the caller may refresh.
	TokenExpired
	// TokenMalformed means the input is not a token at all.
	TokenMalformed
	// TokenInvalid means the signature or a registered claim failed; treated
	// as a potential forgery.
	TokenInvalid
	// TokenUnsupported means an unexpected algorithm or claim shape.
	TokenUnsupported
	// TokenWrongPurpose means a structurally valid token of another subtype,
	// e.g. an MFA challenge token presented to the session pipeline.
	TokenWrongPurpose
)

// String labels outcomes for logs and metrics.
func (outcome TokenOutcome) String() string {
	switch outcome {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	case TokenMalformed:
		return "malformed"
	case TokenInvalid:
		return "invalid"
	case TokenUnsupported:
		return "unsupported"
	case TokenWrongPurpose:
		return "wrong_purpose"
	default:
		return "unknown"
	}
}

// TokenVerdict is the result of a single validation pass. Claims are present
// for TokenValid and TokenExpired so callers can read jti and expiry.
type TokenVerdict struct {
	Outcome TokenOutcome
	Claims  *SessionClaims
}

// TokenCodec signs, verifies, and parses bearer tokens. It enforces the
// signing algorithm, issuer, audience, and expiry in a single pass.
type TokenCodec struct {
	signingKey []byte
	issuer     string
	audience   string
	clock      Clock
}

// NewTokenCodec validates the configuration and constructs a codec.
func NewTokenCodec(signingKey []byte, issuer string, audience string, clock Clock) (*TokenCodec, error) {
	if len(signingKey) < MinSigningKeyBytes {
		return nil, fmt.Errorf("codec.new: %w: got %d bytes, need %d", ErrSigningKeyTooShort, len(signingKey), MinSigningKeyBytes)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("codec.new: %w", ErrMissingIssuer)
	}
	if strings.TrimSpace(audience) == "" {
		return nil, fmt.Errorf("codec.new: %w", ErrMissingAudience)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenCodec{
		signingKey: signingKey,
		issuer:     issuer,
		audience:   audience,
		clock:      clock,
	}, nil
}

// Issue mints a signed session token with a fresh random jti.
func (codec *TokenCodec) Issue(subject string, role Role, ttl time.Duration) (string, *SessionClaims, error) {
	return codec.issue(subject, role, PurposeSession, ttl)
}

// IssueChallenge mints the short-lived MFA challenge subtype.
func (codec *TokenCodec) IssueChallenge(subject string, role Role, ttl time.Duration) (string, *SessionClaims, error) {
	return codec.issue(subject, role, PurposeMfaChallenge, ttl)
}

func (codec *TokenCodec) issue(subject string, role Role, purpose TokenPurpose, ttl time.Duration) (string, *SessionClaims, error) {
	if strings.TrimSpace(subject) == "" {
		return "", nil, fmt.Errorf("codec.issue: %w", ErrEmptySubject)
	}
	issuedAt := codec.clock.Now()
	claims := &SessionClaims{
		Role:    string(role),
		Purpose: string(purpose),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    codec.issuer,
			Audience:  jwt.ClaimStrings{codec.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	signed, signErr := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(codec.signingKey)
	if signErr != nil {
		return "", nil, fmt.Errorf("codec.issue: %w", signErr)
	}
	return signed, claims, nil
}

// Validate performs the signature, structural, and temporal checks and maps
// the result onto the closed outcome set. It never fails for caller-supplied
// garbage; no expiry leeway is granted.
func (codec *TokenCodec) Validate(tokenString string, purpose TokenPurpose) TokenVerdict {
	if strings.TrimSpace(tokenString) == "" {
		return TokenVerdict{Outcome: TokenMalformed}
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(codec.issuer),
		jwt.WithAudience(codec.audience),
		jwt.WithTimeFunc(func() time.Time { return codec.clock.Now() }),
	)

	var claims *SessionClaims
	if parsedToken != nil {
		claims, _ = parsedToken.Claims.(*SessionClaims)
	}

	switch {
	case parseErr == nil:
	case errors.Is(parseErr, jwt.ErrTokenMalformed):
		return TokenVerdict{Outcome: TokenMalformed}
	case errors.Is(parseErr, jwt.ErrTokenExpired):
		return TokenVerdict{Outcome: TokenExpired, Claims: claims}
	case errors.Is(parseErr, jwt.ErrTokenUnverifiable), errors.Is(parseErr, jwt.ErrTokenSignatureInvalid) && isUnexpectedMethod(parsedToken):
		return TokenVerdict{Outcome: TokenUnsupported}
	default:
		return TokenVerdict{Outcome: TokenInvalid}
	}

	if claims == nil || parsedToken == nil || !parsedToken.Valid {
		return TokenVerdict{Outcome: TokenInvalid}
	}
	if claims.ID == "" || claims.Subject == "" || claims.ExpiresAt == nil {
		return TokenVerdict{Outcome: TokenUnsupported}
	}
	if claims.Purpose != string(purpose) {
		return TokenVerdict{Outcome: TokenWrongPurpose, Claims: claims}
	}
	return TokenVerdict{Outcome: TokenValid, Claims: claims}
}

func isUnexpectedMethod(parsedToken *jwt.Token) bool {
	if parsedToken == nil || parsedToken.Method == nil {
		return false
	}
	return parsedToken.Method.Alg() != jwt.SigningMethodHS256.Alg()
}

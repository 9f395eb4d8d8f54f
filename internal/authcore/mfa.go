package authcore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// MfaMethod is the second-factor mechanism.
type MfaMethod string

const (
	MethodTotp  MfaMethod = "TOTP"
	MethodEmail MfaMethod = "EMAIL"
)

// Challenge parameters: a challenge token lives five minutes and allows five
// verification tries before it is invalidated.
const (
	DefaultChallengeTTL         = 5 * time.Minute
	DefaultMaxChallengeAttempts = 5

	recoveryCodeCount = 8
	totpSkewSteps     = 1
)

// MFA-specific failures.
var (
	ErrMfaNotConfigured     = errors.New("mfa.not_configured")
	ErrMfaNotVerified       = errors.New("mfa.not_verified")
	ErrMfaAlreadyVerified   = errors.New("mfa.already_verified")
	ErrMfaCodeInvalid       = errors.New("mfa.code_invalid")
	ErrMfaChallengeInvalid  = errors.New("mfa.challenge_invalid")
	ErrRecoveryCodeInvalid  = errors.New("mfa.recovery_code_invalid")
	ErrMfaMethodUnsupported = errors.New("mfa.method_unsupported")
	ErrMfaEmailUnconfigured = errors.New("mfa.email_sender_unconfigured")
)

// MfaConfig is the per-user second-factor state. The TOTP seed is never
// persisted in plaintext; recovery codes are stored as hashes only.
type MfaConfig struct {
	UserID             string
	Method             MfaMethod
	SecretEncrypted    string
	Verified           bool
	RecoveryCodeHashes []string
}

// MfaConfigStore persists MfaConfig. ConsumeRecoveryCode must remove the
// matched hash atomically so a code can never be redeemed twice.
type MfaConfigStore interface {
	Get(ctx context.Context, userID string) (MfaConfig, error)
	Put(ctx context.Context, config MfaConfig) error
	ConsumeRecoveryCode(ctx context.Context, userID string, match func(hash string) bool) (bool, error)
}

// MemoryMfaConfigStore is the in-memory MfaConfigStore for tests and dev.
type MemoryMfaConfigStore struct {
	mutex   sync.Mutex
	configs map[string]MfaConfig
}

// NewMemoryMfaConfigStore constructs an empty store.
func NewMemoryMfaConfigStore() *MemoryMfaConfigStore {
	return &MemoryMfaConfigStore{configs: make(map[string]MfaConfig)}
}

// Get returns the config for a user.
func (store *MemoryMfaConfigStore) Get(ctx context.Context, userID string) (MfaConfig, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	config, ok := store.configs[userID]
	if !ok {
		return MfaConfig{}, ErrMfaNotConfigured
	}
	return config, nil
}

// Put inserts or replaces the config for a user.
func (store *MemoryMfaConfigStore) Put(ctx context.Context, config MfaConfig) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	copied := config
	copied.RecoveryCodeHashes = append([]string(nil), config.RecoveryCodeHashes...)
	store.configs[config.UserID] = copied
	return nil
}

// ConsumeRecoveryCode removes the first hash accepted by match, holding the
// store lock for the whole operation.
func (store *MemoryMfaConfigStore) ConsumeRecoveryCode(ctx context.Context, userID string, match func(hash string) bool) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	config, ok := store.configs[userID]
	if !ok {
		return false, ErrMfaNotConfigured
	}
	for index, hash := range config.RecoveryCodeHashes {
		if match(hash) {
			config.RecoveryCodeHashes = append(config.RecoveryCodeHashes[:index], config.RecoveryCodeHashes[index+1:]...)
			store.configs[userID] = config
			return true, nil
		}
	}
	return false, nil
}

// EmailCodeSender delivers a one-time code out of band. Delivery itself is an
// external collaborator; the core only hands over the code.
type EmailCodeSender interface {
	SendCode(ctx context.Context, email string, code string) error
}

// TotpEnrollment is returned from SetupTotp. The secret appears here exactly
// once; only its encrypted form is persisted.
type TotpEnrollment struct {
	Secret          string
	ProvisioningURI string
	QRImagePNG      []byte
}

// SessionGrant is a freshly minted session token with its claims.
type SessionGrant struct {
	Token  string
	Claims *SessionClaims
}

// ChallengeGrant is the successful-but-incomplete login outcome: credentials
// checked out, a second factor is still owed. No session cookies accompany it.
type ChallengeGrant struct {
	MfaToken string
	Methods  []string
}

// MfaService manages TOTP enrollment, challenge verification, and recovery
// code redemption.
type MfaService struct {
	codec        *TokenCodec
	cipher       *SecretCipher
	configs      MfaConfigStore
	revocations  RevocationStore
	attempts     LoginAttemptStore
	emailSender  EmailCodeSender
	emailCodes   *emailCodeBox
	clock        Clock
	logger       *zap.Logger
	issuer       string
	sessionTTL   time.Duration
	challengeTTL time.Duration
	maxAttempts  int
}

// MfaServiceConfig wires an MfaService.
type MfaServiceConfig struct {
	Codec        *TokenCodec
	Cipher       *SecretCipher
	Configs      MfaConfigStore
	Revocations  RevocationStore
	EmailSender  EmailCodeSender
	Clock        Clock
	Logger       *zap.Logger
	Issuer       string
	SessionTTL   time.Duration
	ChallengeTTL time.Duration
	MaxAttempts  int
}

// NewMfaService validates the wiring and constructs the service.
func NewMfaService(config MfaServiceConfig) (*MfaService, error) {
	if config.Codec == nil || config.Cipher == nil || config.Configs == nil || config.Revocations == nil {
		return nil, errors.New("mfa.new: codec, cipher, config store, and revocation store are required")
	}
	if config.Clock == nil {
		config.Clock = NewSystemClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.ChallengeTTL <= 0 {
		config.ChallengeTTL = DefaultChallengeTTL
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxChallengeAttempts
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 15 * time.Minute
	}
	attemptPolicy := LockoutPolicy{
		Threshold:    config.MaxAttempts,
		Window:       config.ChallengeTTL,
		LockDuration: config.ChallengeTTL,
	}
	return &MfaService{
		codec:        config.Codec,
		cipher:       config.Cipher,
		configs:      config.Configs,
		revocations:  config.Revocations,
		attempts:     NewLocalAttemptStore(attemptPolicy, 8192, config.Clock),
		emailSender:  config.EmailSender,
		emailCodes:   newEmailCodeBox(config.ChallengeTTL, config.Clock),
		clock:        config.Clock,
		logger:       config.Logger,
		issuer:       config.Issuer,
		sessionTTL:   config.SessionTTL,
		challengeTTL: config.ChallengeTTL,
		maxAttempts:  config.MaxAttempts,
	}, nil
}

// Required reports whether the principal has a verified second factor.
func (service *MfaService) Required(ctx context.Context, userID string) bool {
	config, err := service.configs.Get(ctx, userID)
	return err == nil && config.Verified
}

// SetupTotp generates a fresh secret, persists it encrypted and unverified,
// and returns the provisioning material. Re-running setup before verification
// rotates the pending secret; a verified config is never silently replaced.
func (service *MfaService) SetupTotp(ctx context.Context, userID string, accountLabel string) (TotpEnrollment, error) {
	if existing, err := service.configs.Get(ctx, userID); err == nil && existing.Verified {
		return TotpEnrollment{}, fmt.Errorf("mfa.setup: %w", ErrMfaAlreadyVerified)
	}
	secret, secretErr := GenerateTotpSecret()
	if secretErr != nil {
		return TotpEnrollment{}, fmt.Errorf("mfa.setup: %w", secretErr)
	}
	encrypted, encryptErr := service.cipher.Encrypt(secret)
	if encryptErr != nil {
		return TotpEnrollment{}, fmt.Errorf("mfa.setup: %w", encryptErr)
	}
	if putErr := service.configs.Put(ctx, MfaConfig{
		UserID:          userID,
		Method:          MethodTotp,
		SecretEncrypted: encrypted,
	}); putErr != nil {
		return TotpEnrollment{}, fmt.Errorf("mfa.setup: %w", putErr)
	}
	provisioningURI := TotpProvisioningURI(service.issuer, accountLabel, secret)
	qrImage, qrErr := qrcode.Encode(provisioningURI, qrcode.Medium, 256)
	if qrErr != nil {
		return TotpEnrollment{}, fmt.Errorf("mfa.setup: %w", qrErr)
	}
	return TotpEnrollment{
		Secret:          secret,
		ProvisioningURI: provisioningURI,
		QRImagePNG:      qrImage,
	}, nil
}

// SetupEmail registers an EMAIL second factor and dispatches the first
// verification code to the given address. Like SetupTotp, re-running setup
// before verification restarts the enrollment; a verified config stays put.
func (service *MfaService) SetupEmail(ctx context.Context, userID string, email string) error {
	if service.emailSender == nil {
		return fmt.Errorf("mfa.setup_email: %w", ErrMfaEmailUnconfigured)
	}
	if existing, err := service.configs.Get(ctx, userID); err == nil && existing.Verified {
		return fmt.Errorf("mfa.setup_email: %w", ErrMfaAlreadyVerified)
	}
	if putErr := service.configs.Put(ctx, MfaConfig{
		UserID: userID,
		Method: MethodEmail,
	}); putErr != nil {
		return fmt.Errorf("mfa.setup_email: %w", putErr)
	}
	if sendErr := service.dispatchEmailCode(ctx, userID, email); sendErr != nil {
		return fmt.Errorf("mfa.setup_email: %w", sendErr)
	}
	return nil
}

// VerifySetup confirms the enrollment code, marks the config verified, and
// returns the single-use recovery codes. The plaintext codes are returned
// exactly once and are never retrievable again.
func (service *MfaService) VerifySetup(ctx context.Context, userID string, code string) ([]string, error) {
	config, getErr := service.configs.Get(ctx, userID)
	if getErr != nil {
		return nil, fmt.Errorf("mfa.verify_setup: %w", getErr)
	}
	if config.Verified {
		return nil, fmt.Errorf("mfa.verify_setup: %w", ErrMfaAlreadyVerified)
	}
	var codeOK bool
	switch config.Method {
	case MethodEmail:
		codeOK = service.emailCodes.consume(userID, code)
	default:
		secret, decryptErr := service.cipher.Decrypt(config.SecretEncrypted)
		if decryptErr != nil {
			return nil, fmt.Errorf("mfa.verify_setup: %w", decryptErr)
		}
		codeOK = VerifyTotpCode(secret, code, service.clock.Now(), totpSkewSteps)
	}
	if !codeOK {
		return nil, fmt.Errorf("mfa.verify_setup: %w", ErrMfaCodeInvalid)
	}
	plainCodes, hashes, codesErr := generateRecoveryCodes()
	if codesErr != nil {
		return nil, fmt.Errorf("mfa.verify_setup: %w", codesErr)
	}
	config.Verified = true
	config.RecoveryCodeHashes = hashes
	if putErr := service.configs.Put(ctx, config); putErr != nil {
		return nil, fmt.Errorf("mfa.verify_setup: %w", putErr)
	}
	return plainCodes, nil
}

// BeginChallenge mints the five-minute challenge token after a successful
// credential check. For EMAIL configs a one-time code is dispatched.
func (service *MfaService) BeginChallenge(ctx context.Context, principal Principal) (ChallengeGrant, error) {
	config, getErr := service.configs.Get(ctx, principal.ID)
	if getErr != nil {
		return ChallengeGrant{}, fmt.Errorf("mfa.begin_challenge: %w", getErr)
	}
	if !config.Verified {
		return ChallengeGrant{}, fmt.Errorf("mfa.begin_challenge: %w", ErrMfaNotVerified)
	}
	mfaToken, _, issueErr := service.codec.IssueChallenge(principal.Email, principal.Role, service.challengeTTL)
	if issueErr != nil {
		return ChallengeGrant{}, fmt.Errorf("mfa.begin_challenge: %w", issueErr)
	}
	methods := []string{string(config.Method), "recovery_code"}
	if config.Method == MethodEmail {
		if sendErr := service.dispatchEmailCode(ctx, principal.Email, principal.Email); sendErr != nil {
			return ChallengeGrant{}, fmt.Errorf("mfa.begin_challenge: %w", sendErr)
		}
	}
	return ChallengeGrant{MfaToken: mfaToken, Methods: methods}, nil
}

// VerifyChallenge checks the second-factor code against the challenge token
// and mints full session tokens on success. Each challenge token allows a
// fixed number of tries; exceeding it invalidates the token.
func (service *MfaService) VerifyChallenge(ctx context.Context, mfaToken string, code string, method MfaMethod) (SessionGrant, error) {
	claims, principalID, challengeErr := service.openChallenge(ctx, mfaToken)
	if challengeErr != nil {
		return SessionGrant{}, challengeErr
	}

	config, getErr := service.configs.Get(ctx, principalID)
	if getErr != nil {
		return SessionGrant{}, fmt.Errorf("mfa.verify_challenge: %w", getErr)
	}

	var codeOK bool
	switch method {
	case MethodTotp:
		if config.Method != MethodTotp {
			return SessionGrant{}, fmt.Errorf("mfa.verify_challenge: %w", ErrMfaMethodUnsupported)
		}
		secret, decryptErr := service.cipher.Decrypt(config.SecretEncrypted)
		if decryptErr != nil {
			return SessionGrant{}, fmt.Errorf("mfa.verify_challenge: %w", decryptErr)
		}
		codeOK = VerifyTotpCode(secret, code, service.clock.Now(), totpSkewSteps)
	case MethodEmail:
		if config.Method != MethodEmail {
			return SessionGrant{}, fmt.Errorf("mfa.verify_challenge: %w", ErrMfaMethodUnsupported)
		}
		codeOK = service.emailCodes.consume(claims.Subject, code)
	default:
		return SessionGrant{}, fmt.Errorf("mfa.verify_challenge: %w", ErrMfaMethodUnsupported)
	}

	if !codeOK {
		return SessionGrant{}, service.registerFailedAttempt(ctx, claims)
	}
	return service.completeChallenge(ctx, claims)
}

// RedeemRecoveryCode exchanges a single-use recovery code for session tokens.
// The matching hash is consumed atomically so the code cannot be replayed.
func (service *MfaService) RedeemRecoveryCode(ctx context.Context, mfaToken string, code string) (SessionGrant, error) {
	claims, principalID, challengeErr := service.openChallenge(ctx, mfaToken)
	if challengeErr != nil {
		return SessionGrant{}, challengeErr
	}
	normalized := normalizeRecoveryCode(code)
	consumed, consumeErr := service.configs.ConsumeRecoveryCode(ctx, principalID, func(hash string) bool {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalized)) == nil
	})
	if consumeErr != nil {
		return SessionGrant{}, fmt.Errorf("mfa.redeem_recovery: %w", consumeErr)
	}
	if !consumed {
		if failErr := service.registerFailedAttempt(ctx, claims); errors.Is(failErr, ErrMfaAttemptExceeded) {
			return SessionGrant{}, failErr
		}
		return SessionGrant{}, fmt.Errorf("mfa.redeem_recovery: %w", ErrRecoveryCodeInvalid)
	}
	return service.completeChallenge(ctx, claims)
}

// openChallenge validates the challenge token subtype and its revocation
// state, and resolves the principal it is bound to.
func (service *MfaService) openChallenge(ctx context.Context, mfaToken string) (*SessionClaims, string, error) {
	verdict := service.codec.Validate(mfaToken, PurposeMfaChallenge)
	if verdict.Outcome != TokenValid {
		return nil, "", fmt.Errorf("mfa.challenge: %w", ErrMfaChallengeInvalid)
	}
	revoked, revokedErr := service.revocations.IsRevoked(ctx, verdict.Claims.ID)
	if revokedErr != nil {
		// Gating check; a store outage fails closed.
		return nil, "", fmt.Errorf("mfa.challenge: %w", ErrMfaChallengeInvalid)
	}
	if revoked {
		return nil, "", fmt.Errorf("mfa.challenge: %w", ErrMfaChallengeInvalid)
	}
	return verdict.Claims, verdict.Claims.Subject, nil
}

func (service *MfaService) registerFailedAttempt(ctx context.Context, claims *SessionClaims) error {
	record, _ := service.attempts.RecordFailure(ctx, claims.ID)
	if record.Failures >= service.maxAttempts {
		remaining := claims.RemainingTTL(service.clock.Now())
		if revokeErr := service.revocations.Revoke(ctx, claims.ID, remaining); revokeErr != nil {
			service.logger.Error("failed to invalidate exhausted mfa challenge",
				zap.String("code", "mfa.challenge_revoke_failed"),
				zap.Error(revokeErr))
		}
		return fmt.Errorf("mfa.verify_challenge: %w", ErrMfaAttemptExceeded)
	}
	return fmt.Errorf("mfa.verify_challenge: %w", ErrMfaCodeInvalid)
}

func (service *MfaService) completeChallenge(ctx context.Context, claims *SessionClaims) (SessionGrant, error) {
	// The challenge token is single-use: retire it for its remaining life.
	remaining := claims.RemainingTTL(service.clock.Now())
	if revokeErr := service.revocations.Revoke(ctx, claims.ID, remaining); revokeErr != nil {
		service.logger.Error("failed to retire completed mfa challenge",
			zap.String("code", "mfa.challenge_retire_failed"),
			zap.Error(revokeErr))
	}
	_ = service.attempts.RecordSuccess(ctx, claims.ID)

	role, _ := ParseRole(claims.Role)
	token, sessionClaims, issueErr := service.codec.Issue(claims.Subject, role, service.sessionTTL)
	if issueErr != nil {
		return SessionGrant{}, fmt.Errorf("mfa.complete_challenge: %w", issueErr)
	}
	return SessionGrant{Token: token, Claims: sessionClaims}, nil
}

// dispatchEmailCode issues a pending code under key and delivers it to the
// address. Setup keys by user ID and challenges by token subject; the box
// holds one code per key, so a new dispatch always supersedes a stale one.
func (service *MfaService) dispatchEmailCode(ctx context.Context, key string, email string) error {
	if service.emailSender == nil {
		return ErrMfaEmailUnconfigured
	}
	code, codeErr := service.emailCodes.issue(key)
	if codeErr != nil {
		return codeErr
	}
	return service.emailSender.SendCode(ctx, email, code)
}

// generateRecoveryCodes returns eight plaintext codes in a human-typable
// XXXX-XXXX format alongside their bcrypt hashes.
func generateRecoveryCodes() ([]string, []string, error) {
	plain := make([]string, 0, recoveryCodeCount)
	hashes := make([]string, 0, recoveryCodeCount)
	for len(plain) < recoveryCodeCount {
		code, codeErr := randomRecoveryCode()
		if codeErr != nil {
			return nil, nil, codeErr
		}
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(normalizeRecoveryCode(code)), bcrypt.DefaultCost)
		if hashErr != nil {
			return nil, nil, hashErr
		}
		plain = append(plain, code)
		hashes = append(hashes, string(hash))
	}
	return plain, hashes, nil
}

// recoveryAlphabet avoids ambiguous characters (no 0/O, 1/I/L).
const recoveryAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

func randomRecoveryCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	var builder strings.Builder
	for index, randomByte := range raw {
		if index == 4 {
			builder.WriteByte('-')
		}
		builder.WriteByte(recoveryAlphabet[int(randomByte)%len(recoveryAlphabet)])
	}
	return builder.String(), nil
}

func normalizeRecoveryCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// emailCodeBox holds pending emailed one-time codes, bounded by TTL.
type emailCodeBox struct {
	mutex   sync.Mutex
	entries map[string]emailCodeEntry
	ttl     time.Duration
	clock   Clock
}

type emailCodeEntry struct {
	code    string
	expires time.Time
}

func newEmailCodeBox(ttl time.Duration, clock Clock) *emailCodeBox {
	return &emailCodeBox{
		entries: make(map[string]emailCodeEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (box *emailCodeBox) issue(email string) (string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	code := fmt.Sprintf("%06d", (uint32(raw[0])<<24|uint32(raw[1])<<16|uint32(raw[2])<<8|uint32(raw[3]))%1000000)
	box.mutex.Lock()
	defer box.mutex.Unlock()
	box.purgeLocked()
	box.entries[email] = emailCodeEntry{code: code, expires: box.clock.Now().Add(box.ttl)}
	return code, nil
}

func (box *emailCodeBox) consume(email string, candidate string) bool {
	box.mutex.Lock()
	defer box.mutex.Unlock()
	entry, ok := box.entries[email]
	if !ok || box.clock.Now().After(entry.expires) {
		return false
	}
	if entry.code != candidate {
		return false
	}
	delete(box.entries, email)
	return true
}

func (box *emailCodeBox) purgeLocked() {
	now := box.clock.Now()
	for email, entry := range box.entries {
		if now.After(entry.expires) {
			delete(box.entries, email)
		}
	}
}

// Package webauthn implements the biometric login ceremonies: single-use
// challenges, credential registration and assertion verification with
// signature counter replay protection.
package webauthn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"go.uber.org/zap"

	"github.com/kirill-eremin-production/my-passwords/internal/logger"
	"github.com/kirill-eremin-production/my-passwords/internal/metrics"
	"github.com/kirill-eremin-production/my-passwords/internal/models"
	"github.com/kirill-eremin-production/my-passwords/internal/repository"
)

const (
	ChallengeSize       = 32
	DefaultChallengeTTL = 5 * time.Minute
)

// CredentialRepository persists credentials and pending challenges.
type CredentialRepository interface {
	SaveCredential(ctx context.Context, c models.BiometricCredential) error
	GetCredential(ctx context.Context, id string) (*models.BiometricCredential, error)
	ListCredentials(ctx context.Context) ([]models.BiometricCredential, error)
	RemoveCredential(ctx context.Context, id string) error
	UpdateCounter(ctx context.Context, id string, counter uint32) error
	PutChallenge(ctx context.Context, c models.Challenge) error
	TakeChallenge(ctx context.Context, subject string, now time.Time, ttl time.Duration) (*models.Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

// SessionMinter creates the session granted by a successful assertion.
type SessionMinter interface {
	CreateAuthenticated(ctx context.Context) (*models.Session, error)
}

// Config describes the relying party.
type Config struct {
	RPID    string
	Origins []string
	// ChallengeTTL bounds how long an issued challenge can be answered.
	ChallengeTTL time.Duration
	// RequireUserVerification rejects assertions without the UV flag.
	RequireUserVerification bool
}

// Result is the outcome of a verified assertion.
type Result struct {
	Verified   bool
	NewCounter uint32
}

type Protocol struct {
	cfg      Config
	repo     CredentialRepository
	sessions SessionMinter
	log      *zap.Logger
	now      func() time.Time
	random   io.Reader
}

type Option func(*Protocol)

func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

func WithRandom(r io.Reader) Option {
	return func(p *Protocol) { p.random = r }
}

func New(cfg Config, repo CredentialRepository, sessions SessionMinter, log *zap.Logger, opts ...Option) *Protocol {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	p := &Protocol{
		cfg:      cfg,
		repo:     repo,
		sessions: sessions,
		log:      log,
		now:      time.Now,
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IssueChallenge stores a fresh challenge for subject, replacing any
// previous one, and returns it base64 encoded.
func (p *Protocol) IssueChallenge(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrMalformedInput)
	}
	value := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(p.random, value); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	err := p.repo.PutChallenge(ctx, models.Challenge{Value: value, Subject: subject, CreatedAt: p.now()})
	if err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(value), nil
}

func (p *Protocol) takeChallenge(ctx context.Context, subject string) ([]byte, error) {
	c, err := p.repo.TakeChallenge(ctx, subject, p.now(), p.cfg.ChallengeTTL)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take challenge: %w", err)
	}
	return c.Value, nil
}

// VerifyRegistration checks an attestation against the challenge issued to
// subject and stores the new credential on success.
func (p *Protocol) VerifyRegistration(ctx context.Context, subject, ownerSessionID string, req RegistrationRequest, deviceLabel string) (*models.BiometricCredential, error) {
	challenge, err := p.takeChallenge(ctx, subject)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	parsed, err := parseCreation(req)
	if err != nil {
		return nil, err
	}
	if err := checkClientData(parsed.Response.CollectedClientData, protocol.CreateCeremony, challenge, p.cfg.Origins); err != nil {
		return nil, err
	}

	authData := parsed.Response.AttestationObject.AuthData
	if err := checkRPIDHash(authData.RPIDHash, p.cfg.RPID); err != nil {
		return nil, err
	}
	if err := checkFlags(authData.Flags, p.cfg.RequireUserVerification); err != nil {
		return nil, err
	}
	if !authData.Flags.HasAttestedCredentialData() || len(authData.AttData.CredentialID) == 0 {
		return nil, fmt.Errorf("%w: no attested credential data", ErrMalformedAuthenticatorData)
	}
	if CredentialID(authData.AttData.CredentialID) != CredentialID(req.CredentialID) {
		return nil, fmt.Errorf("%w: credential id differs from attested id", ErrMalformedInput)
	}
	if _, err := webauthncose.ParsePublicKey(authData.AttData.CredentialPublicKey); err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrMalformedInput, err)
	}

	cred := models.BiometricCredential{
		ID:               CredentialID(authData.AttData.CredentialID),
		PublicKey:        authData.AttData.CredentialPublicKey,
		SignatureCounter: authData.Counter,
		CreatedAt:        p.now(),
		OwnerSessionID:   ownerSessionID,
		DeviceLabel:      deviceLabel,
	}
	if err := p.repo.SaveCredential(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, ErrCredentialExists
		}
		return nil, fmt.Errorf("save credential: %w", err)
	}

	p.log.Info("biometric credential registered",
		zap.String("credential", logger.ShortID(cred.ID)),
		zap.String("session", logger.ShortID(ownerSessionID)),
	)
	return &cred, nil
}

// VerifyAuthentication checks an assertion made with the stored credential.
// The challenge is consumed before anything else, so a failed attempt
// cannot be retried with the same challenge.
func (p *Protocol) VerifyAuthentication(ctx context.Context, subject string, req AssertionRequest, stored models.BiometricCredential) (Result, error) {
	challenge, err := p.takeChallenge(ctx, subject)
	if err != nil {
		return Result{}, err
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	return p.verifyAssertion(ctx, challenge, req, stored)
}

func (p *Protocol) verifyAssertion(ctx context.Context, challenge []byte, req AssertionRequest, stored models.BiometricCredential) (Result, error) {
	cd, err := parseClientData(req.ClientDataJSON)
	if err != nil {
		return Result{}, err
	}
	if err := checkClientData(cd, protocol.AssertCeremony, challenge, p.cfg.Origins); err != nil {
		return Result{}, err
	}

	counter, err := CounterFromAuthData(req.AuthenticatorData)
	if err != nil {
		return Result{}, err
	}
	var authData protocol.AuthenticatorData
	if err := authData.Unmarshal(req.AuthenticatorData); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedAuthenticatorData, err)
	}
	if err := checkRPIDHash(authData.RPIDHash, p.cfg.RPID); err != nil {
		return Result{}, err
	}
	if err := checkFlags(authData.Flags, p.cfg.RequireUserVerification); err != nil {
		return Result{}, err
	}

	switch {
	case counter < stored.SignatureCounter:
		p.log.Warn("signature counter went backwards",
			zap.String("credential", logger.ShortID(stored.ID)),
			zap.Uint32("stored", stored.SignatureCounter),
			zap.Uint32("received", counter),
		)
		return Result{}, ErrReplayDetected
	case counter == stored.SignatureCounter:
		p.log.Warn("signature counter did not increase",
			zap.String("credential", logger.ShortID(stored.ID)),
			zap.Uint32("counter", counter),
		)
	}

	if err := verifySignature(stored.PublicKey, req.AuthenticatorData, req.ClientDataJSON, req.Signature); err != nil {
		return Result{}, err
	}

	if err := p.repo.UpdateCounter(ctx, stored.ID, counter); err != nil {
		if errors.Is(err, repository.ErrCounterRegression) {
			return Result{}, ErrReplayDetected
		}
		if errors.Is(err, repository.ErrNotFound) {
			return Result{}, ErrCredentialNotFound
		}
		return Result{}, fmt.Errorf("update counter: %w", err)
	}
	return Result{Verified: true, NewCounter: counter}, nil
}

// Authenticate verifies an assertion for subject and mints a new
// authenticated session.
func (p *Protocol) Authenticate(ctx context.Context, subject string, req AssertionRequest) (*models.Session, error) {
	session, err := p.authenticate(ctx, subject, req)
	if err != nil {
		metrics.RecordLogin(metrics.MethodWebAuthn, Reason(err))
		p.log.Warn("biometric authentication failed",
			zap.String("subject", logger.ShortID(subject)),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.RecordLogin(metrics.MethodWebAuthn, Reason(nil))
	p.log.Info("biometric authentication succeeded", zap.String("session", logger.ShortID(session.ID)))
	return session, nil
}

func (p *Protocol) authenticate(ctx context.Context, subject string, req AssertionRequest) (*models.Session, error) {
	challenge, err := p.takeChallenge(ctx, subject)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	stored, err := p.repo.GetCredential(ctx, CredentialID(req.CredentialID))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidSignature
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}

	if _, err := p.verifyAssertion(ctx, challenge, req, *stored); err != nil {
		return nil, err
	}
	return p.sessions.CreateAuthenticated(ctx)
}

// Credentials lists registered credentials, oldest first.
func (p *Protocol) Credentials(ctx context.Context) ([]models.BiometricCredential, error) {
	return p.repo.ListCredentials(ctx)
}

func (p *Protocol) RemoveCredential(ctx context.Context, id string) error {
	err := p.repo.RemoveCredential(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrCredentialNotFound
	}
	if err != nil {
		return err
	}
	p.log.Info("biometric credential removed", zap.String("credential", logger.ShortID(id)))
	return nil
}

// Sweep drops challenges that were never answered.
func (p *Protocol) Sweep(ctx context.Context) (int, error) {
	return p.repo.DeleteExpiredChallenges(ctx, p.now(), p.cfg.ChallengeTTL)
}

package webauthn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kirill-eremin-production/my-passwords/internal/models"
	"github.com/kirill-eremin-production/my-passwords/internal/repository"
)

type fakeRepo struct {
	mu          sync.Mutex
	credentials map[string]models.BiometricCredential
	challenges  map[string]models.Challenge
	putErr      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		credentials: map[string]models.BiometricCredential{},
		challenges:  map[string]models.Challenge{},
	}
}

func (f *fakeRepo) SaveCredential(_ context.Context, c models.BiometricCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.credentials[c.ID]; ok {
		return repository.ErrAlreadyExists
	}
	f.credentials[c.ID] = c
	return nil
}

func (f *fakeRepo) GetCredential(_ context.Context, id string) (*models.BiometricCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (f *fakeRepo) ListCredentials(context.Context) ([]models.BiometricCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.BiometricCredential, 0, len(f.credentials))
	for _, c := range f.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) RemoveCredential(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.credentials[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.credentials, id)
	return nil
}

func (f *fakeRepo) UpdateCounter(_ context.Context, id string, counter uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[id]
	if !ok {
		return repository.ErrNotFound
	}
	if counter < c.SignatureCounter {
		return repository.ErrCounterRegression
	}
	c.SignatureCounter = counter
	f.credentials[id] = c
	return nil
}

func (f *fakeRepo) PutChallenge(_ context.Context, c models.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.challenges[c.Subject] = c
	return nil
}

func (f *fakeRepo) TakeChallenge(_ context.Context, subject string, now time.Time, ttl time.Duration) (*models.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[subject]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(f.challenges, subject)
	if c.Expired(now, ttl) {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (f *fakeRepo) DeleteExpiredChallenges(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, c := range f.challenges {
		if c.Expired(now, ttl) {
			delete(f.challenges, k)
			n++
		}
	}
	return n, nil
}

type fakeMinter struct {
	calls int
}

func (m *fakeMinter) CreateAuthenticated(context.Context) (*models.Session, error) {
	m.calls++
	return &models.Session{ID: "fresh-session", Valid: true}, nil
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	p      *Protocol
	repo   *fakeRepo
	minter *fakeMinter
	clock  *testClock
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	f := &fixture{
		repo:   newFakeRepo(),
		minter: &fakeMinter{},
		clock:  &testClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		logs:   logs,
	}
	f.p = New(Config{
		RPID:                    testRPID,
		Origins:                 []string{testOrigin, "http://localhost:3000"},
		ChallengeTTL:            time.Minute,
		RequireUserVerification: true,
	}, f.repo, f.minter, zap.New(core), WithClock(f.clock.now))
	return f
}

// enroll registers a fresh authenticator and returns it with its stored record.
func (f *fixture) enroll(t *testing.T) (*testAuthenticator, models.BiometricCredential) {
	t.Helper()
	ctx := context.Background()
	a := newTestAuthenticator(t)
	challenge, err := f.p.IssueChallenge(ctx, "owner")
	require.NoError(t, err)
	cred, err := f.p.VerifyRegistration(ctx, "owner", "owner", a.register(t, challenge), "Firefox")
	require.NoError(t, err)
	return a, *cred
}

func TestIssueChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c1, err := f.p.IssueChallenge(ctx, "s1")
	require.NoError(t, err)
	raw, err := DecodeBase64(c1)
	require.NoError(t, err)
	assert.Len(t, raw, ChallengeSize)

	c2, err := f.p.IssueChallenge(ctx, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
	assert.Len(t, f.repo.challenges, 1, "a new challenge replaces the previous one")

	_, err = f.p.IssueChallenge(ctx, "")
	assert.ErrorIs(t, err, ErrMalformedInput)

	f.repo.putErr = errors.New("disk full")
	_, err = f.p.IssueChallenge(ctx, "s2")
	assert.Error(t, err)
}

func TestVerifyRegistration(t *testing.T) {
	f := newFixture(t)
	a, cred := f.enroll(t)

	assert.Equal(t, CredentialID(a.id), cred.ID)
	assert.NotEmpty(t, cred.PublicKey)
	assert.Equal(t, uint32(0), cred.SignatureCounter)
	assert.Equal(t, "owner", cred.OwnerSessionID)
	assert.Equal(t, "Firefox", cred.DeviceLabel)
	assert.Equal(t, f.clock.t, cred.CreatedAt)

	list, err := f.p.Credentials(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, f.repo.challenges, "challenge consumed")
}

func TestVerifyRegistration_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(t *testing.T, a *testAuthenticator, req *RegistrationRequest, challenge string)
		wantErr error
	}{
		{
			name: "wrong origin",
			mutate: func(t *testing.T, a *testAuthenticator, req *RegistrationRequest, challenge string) {
				a.origin = "https://evil.example.com"
				*req = a.register(t, challenge)
			},
			wantErr: ErrClientDataMismatch,
		},
		{
			name: "assertion client data",
			mutate: func(t *testing.T, a *testAuthenticator, req *RegistrationRequest, challenge string) {
				req.ClientDataJSON = a.clientData(t, "webauthn.get", challenge)
			},
			wantErr: ErrClientDataMismatch,
		},
		{
			name: "other relying party",
			mutate: func(t *testing.T, a *testAuthenticator, req *RegistrationRequest, challenge string) {
				a.rpID = "evil.example.com"
				*req = a.register(t, challenge)
			},
			wantErr: ErrClientDataMismatch,
		},
		{
			name: "user not present",
			mutate: func(t *testing.T, a *testAuthenticator, req *RegistrationRequest, challenge string) {
				a.flags = flagUV
				*req = a.register(t, challenge)
			},
			wantErr: ErrUserPresence,
		},
		{
			name: "credential id differs",
			mutate: func(t *testing.T, a *testAuthenticator, req *RegistrationRequest, challenge string) {
				req.CredentialID = []byte("another-id")
			},
			wantErr: ErrMalformedInput,
		},
		{
			name: "garbage attestation",
			mutate: func(t *testing.T, a *testAuthenticator, req *RegistrationRequest, challenge string) {
				req.AttestationObject = []byte{0xff, 0x00}
			},
			wantErr: ErrMalformedInput,
		},
		{
			name: "missing client data",
			mutate: func(t *testing.T, a *testAuthenticator, req *RegistrationRequest, challenge string) {
				req.ClientDataJSON = nil
			},
			wantErr: ErrMalformedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := newTestAuthenticator(t)
			challenge, err := f.p.IssueChallenge(ctx, "owner")
			require.NoError(t, err)

			req := a.register(t, challenge)
			tt.mutate(t, a, &req, challenge)

			_, err = f.p.VerifyRegistration(ctx, "owner", "owner", req, "")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.repo.credentials, "nothing persisted")
			assert.Empty(t, f.repo.challenges, "challenge burned")
		})
	}
}

func TestVerifyRegistration_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.enroll(t)

	challenge, err := f.p.IssueChallenge(ctx, "owner")
	require.NoError(t, err)
	_, err = f.p.VerifyRegistration(ctx, "owner", "owner", a.register(t, challenge), "")
	assert.ErrorIs(t, err, ErrCredentialExists)
}

func TestVerifyRegistration_NoChallenge(t *testing.T) {
	f := newFixture(t)
	a := newTestAuthenticator(t)
	_, err := f.p.VerifyRegistration(context.Background(), "owner", "owner", a.register(t, "AAAA"), "")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestVerifyAuthentication_Counter(t *testing.T) {
	tests := []struct {
		name        string
		stored      uint32
		received    uint32
		wantErr     error
		wantCounter uint32
		wantWarning string
	}{
		{name: "increased", stored: 10, received: 11, wantCounter: 11},
		{name: "equal", stored: 10, received: 10, wantCounter: 10, wantWarning: "signature counter did not increase"},
		{name: "decreased", stored: 10, received: 9, wantErr: ErrReplayDetected, wantCounter: 10, wantWarning: "signature counter went backwards"},
		{name: "zero counters", stored: 0, received: 0, wantCounter: 0, wantWarning: "signature counter did not increase"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			a, cred := f.enroll(t)
			cred.SignatureCounter = tt.stored
			f.repo.credentials[cred.ID] = cred

			a.counter = tt.received
			challenge, err := f.p.IssueChallenge(ctx, "login")
			require.NoError(t, err)

			res, err := f.p.VerifyAuthentication(ctx, "login", a.assert(t, challenge), cred)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, res.Verified)
			} else {
				require.NoError(t, err)
				assert.True(t, res.Verified)
				assert.Equal(t, tt.received, res.NewCounter)
			}
			assert.Equal(t, tt.wantCounter, f.repo.credentials[cred.ID].SignatureCounter)
			if tt.wantWarning != "" {
				assert.Equal(t, 1, f.logs.FilterMessage(tt.wantWarning).Len())
			}
		})
	}
}

func TestVerifyAuthentication_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string)
		wantErr error
	}{
		{
			name: "forged signature",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				req.Signature = bytes.Clone(req.Signature)
				req.Signature[len(req.Signature)-1] ^= 0xff
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "signed by another key",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				other := newTestAuthenticator(t)
				other.id = a.id
				*req = other.assert(t, challenge)
			},
			wantErr: ErrInvalidSignature,
		},
		{
			name: "wrong origin",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				a.origin = "https://passwords.example.com.evil.io"
				*req = a.assert(t, challenge)
			},
			wantErr: ErrClientDataMismatch,
		},
		{
			name: "registration client data",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				req.ClientDataJSON = a.clientData(t, "webauthn.create", challenge)
			},
			wantErr: ErrClientDataMismatch,
		},
		{
			name: "other challenge",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				*req = a.assert(t, "c29tZSBvdGhlciBjaGFsbGVuZ2UgdmFsdWUgMzIgYnl0ZXM=")
			},
			wantErr: ErrClientDataMismatch,
		},
		{
			name: "other relying party",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				a.rpID = "example.org"
				*req = a.assert(t, challenge)
			},
			wantErr: ErrClientDataMismatch,
		},
		{
			name: "short authenticator data",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				req.AuthenticatorData = req.AuthenticatorData[:36]
			},
			wantErr: ErrMalformedAuthenticatorData,
		},
		{
			name: "user not verified",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				a.flags = flagUP
				*req = a.assert(t, challenge)
			},
			wantErr: ErrUserPresence,
		},
		{
			name: "client data not json",
			mutate: func(t *testing.T, a *testAuthenticator, req *AssertionRequest, challenge string) {
				req.ClientDataJSON = []byte("not json")
			},
			wantErr: ErrMalformedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			a, cred := f.enroll(t)
			a.counter = 1

			challenge, err := f.p.IssueChallenge(ctx, "login")
			require.NoError(t, err)
			req := a.assert(t, challenge)
			tt.mutate(t, a, &req, challenge)

			_, err = f.p.VerifyAuthentication(ctx, "login", req, cred)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, uint32(0), f.repo.credentials[cred.ID].SignatureCounter)

			// The failed attempt burned the challenge.
			a.origin, a.rpID, a.flags = testOrigin, testRPID, flagUP|flagUV
			_, err = f.p.VerifyAuthentication(ctx, "login", a.assert(t, challenge), cred)
			assert.ErrorIs(t, err, ErrChallengeNotFound)
		})
	}
}

func TestVerifyAuthentication_ChallengeLifetime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, cred := f.enroll(t)

	challenge, err := f.p.IssueChallenge(ctx, "login")
	require.NoError(t, err)
	f.clock.advance(time.Minute + time.Second)
	_, err = f.p.VerifyAuthentication(ctx, "login", a.assert(t, challenge), cred)
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	challenge, err = f.p.IssueChallenge(ctx, "login")
	require.NoError(t, err)
	req := a.assert(t, challenge)
	_, err = f.p.VerifyAuthentication(ctx, "login", req, cred)
	require.NoError(t, err)

	_, err = f.p.VerifyAuthentication(ctx, "login", req, cred)
	assert.ErrorIs(t, err, ErrChallengeNotFound, "a challenge answers one assertion only")
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, cred := f.enroll(t)
	a.counter = 7

	challenge, err := f.p.IssueChallenge(ctx, "anon")
	require.NoError(t, err)
	sess, err := f.p.Authenticate(ctx, "anon", a.assert(t, challenge))
	require.NoError(t, err)
	assert.Equal(t, "fresh-session", sess.ID)
	assert.Equal(t, 1, f.minter.calls)
	assert.Equal(t, uint32(7), f.repo.credentials[cred.ID].SignatureCounter)
}

func TestAuthenticate_UnknownCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t)
	stranger := newTestAuthenticator(t)

	challenge, err := f.p.IssueChallenge(ctx, "anon")
	require.NoError(t, err)
	_, err = f.p.Authenticate(ctx, "anon", stranger.assert(t, challenge))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Zero(t, f.minter.calls)
	assert.Empty(t, f.repo.challenges)
}

func TestRemoveCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, cred := f.enroll(t)

	require.NoError(t, f.p.RemoveCredential(ctx, cred.ID))
	assert.ErrorIs(t, f.p.RemoveCredential(ctx, cred.ID), ErrCredentialNotFound)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.p.IssueChallenge(ctx, "old")
	require.NoError(t, err)
	f.clock.advance(2 * time.Minute)
	_, err = f.p.IssueChallenge(ctx, "new")
	require.NoError(t, err)

	n, err := f.p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, f.repo.challenges, "new")
}

func TestCounterFromAuthData(t *testing.T) {
	data := make([]byte, 37)
	data[33], data[34], data[35], data[36] = 0x01, 0x02, 0x03, 0x04
	n, err := CounterFromAuthData(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), n)

	_, err = CounterFromAuthData(data[:36])
	assert.ErrorIs(t, err, ErrMalformedAuthenticatorData)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "success", Reason(nil))
	assert.Equal(t, "challenge_not_found", Reason(ErrChallengeNotFound))
	assert.Equal(t, "malformed_input", Reason(ErrMalformedAuthenticatorData))
	assert.Equal(t, "replay_detected", Reason(ErrReplayDetected))
	assert.Equal(t, "invalid_signature", Reason(ErrInvalidSignature))
	assert.Equal(t, "internal", Reason(errors.New("boom")))
}

func TestRequestDecoding(t *testing.T) {
	t.Run("flat layout with standard base64", func(t *testing.T) {
		body := `{"credentialId":"q83v","authenticatorData":"AQID","clientDataJSON":"e30=","signature":"+/8=","userHandle":null}`
		var req AssertionRequest
		require.NoError(t, json.Unmarshal([]byte(body), &req))
		assert.Equal(t, []byte{0xab, 0xcd, 0xef}, []byte(req.CredentialID))
		assert.Equal(t, []byte("{}"), []byte(req.ClientDataJSON))
		assert.Equal(t, []byte{0xfb, 0xff}, []byte(req.Signature))
		assert.NoError(t, req.Validate())
	})

	t.Run("standard layout with base64url", func(t *testing.T) {
		body := `{"id":"q83v","rawId":"q83v","type":"public-key","response":{"clientDataJSON":"e30","attestationObject":"oA","transports":["internal"]}}`
		var req RegistrationRequest
		require.NoError(t, json.Unmarshal([]byte(body), &req))
		assert.Equal(t, []byte{0xab, 0xcd, 0xef}, []byte(req.CredentialID))
		assert.Equal(t, []byte{0xa0}, []byte(req.AttestationObject))
		assert.Equal(t, []string{"internal"}, req.Transports)
		assert.NoError(t, req.Validate())
	})

	t.Run("bad base64", func(t *testing.T) {
		var req AssertionRequest
		err := json.Unmarshal([]byte(`{"credentialId":"!!!"}`), &req)
		assert.ErrorIs(t, err, ErrMalformedInput)
	})

	t.Run("missing fields", func(t *testing.T) {
		var req RegistrationRequest
		require.NoError(t, json.Unmarshal([]byte(`{"credentialId":"q83v"}`), &req))
		assert.ErrorIs(t, req.Validate(), ErrMalformedInput)
	})
}

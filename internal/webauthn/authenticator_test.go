package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/require"
)

const (
	testRPID   = "passwords.example.com"
	testOrigin = "https://passwords.example.com"
)

const (
	flagUP = 0x01
	flagUV = 0x04
	flagAT = 0x40
)

// testAuthenticator is a minimal ES256 platform authenticator.
type testAuthenticator struct {
	key     *ecdsa.PrivateKey
	id      []byte
	rpID    string
	origin  string
	counter uint32
	flags   byte
}

func newTestAuthenticator(t *testing.T) *testAuthenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id := make([]byte, 16)
	_, err = rand.Read(id)
	require.NoError(t, err)
	return &testAuthenticator{
		key:    key,
		id:     id,
		rpID:   testRPID,
		origin: testOrigin,
		flags:  flagUP | flagUV,
	}
}

func (a *testAuthenticator) coseKey(t *testing.T) []byte {
	t.Helper()
	x := make([]byte, 32)
	y := make([]byte, 32)
	a.key.PublicKey.X.FillBytes(x)
	a.key.PublicKey.Y.FillBytes(y)
	raw, err := webauthncbor.Marshal(map[int]interface{}{
		1:  2,
		3:  int(webauthncose.AlgES256),
		-1: 1,
		-2: x,
		-3: y,
	})
	require.NoError(t, err)
	return raw
}

func (a *testAuthenticator) authData(t *testing.T, attested bool) []byte {
	t.Helper()
	rpHash := sha256.Sum256([]byte(a.rpID))
	out := append([]byte{}, rpHash[:]...)
	flags := a.flags
	if attested {
		flags |= flagAT
	}
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, a.counter)
	if attested {
		out = append(out, make([]byte, 16)...) // AAGUID
		out = binary.BigEndian.AppendUint16(out, uint16(len(a.id)))
		out = append(out, a.id...)
		out = append(out, a.coseKey(t)...)
	}
	return out
}

func (a *testAuthenticator) clientData(t *testing.T, typ, challengeB64 string) []byte {
	t.Helper()
	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]interface{}{
		"type":        typ,
		"challenge":   base64.RawURLEncoding.EncodeToString(challenge),
		"origin":      a.origin,
		"crossOrigin": false,
	})
	require.NoError(t, err)
	return raw
}

func (a *testAuthenticator) register(t *testing.T, challengeB64 string) RegistrationRequest {
	t.Helper()
	authData := a.authData(t, true)
	attObj, err := webauthncbor.Marshal(map[string]interface{}{
		"fmt":      "none",
		"attStmt":  map[string]interface{}{},
		"authData": authData,
	})
	require.NoError(t, err)
	return RegistrationRequest{
		CredentialID:      a.id,
		AuthenticatorData: authData,
		ClientDataJSON:    a.clientData(t, "webauthn.create", challengeB64),
		AttestationObject: attObj,
	}
}

func (a *testAuthenticator) assert(t *testing.T, challengeB64 string) AssertionRequest {
	t.Helper()
	authData := a.authData(t, false)
	clientData := a.clientData(t, "webauthn.get", challengeB64)
	hash := sha256.Sum256(clientData)
	signed := append(append([]byte{}, authData...), hash[:]...)
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(t, err)
	return AssertionRequest{
		CredentialID:      a.id,
		AuthenticatorData: authData,
		ClientDataJSON:    clientData,
		Signature:         sig,
	}
}

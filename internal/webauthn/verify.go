package webauthn

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// minAuthDataLen is rpIdHash(32) + flags(1) + signCount(4).
const minAuthDataLen = 37

// CounterFromAuthData returns the big-endian signature counter at offset 33.
func CounterFromAuthData(authData []byte) (uint32, error) {
	if len(authData) < minAuthDataLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformedAuthenticatorData, len(authData))
	}
	return binary.BigEndian.Uint32(authData[33:37]), nil
}

// checkClientData verifies ceremony type, challenge and origin of a
// collected client data document.
func checkClientData(cd protocol.CollectedClientData, ceremony protocol.CeremonyType, challenge []byte, origins []string) error {
	if cd.Type != ceremony {
		return fmt.Errorf("%w: type %q", ErrClientDataMismatch, cd.Type)
	}
	got, err := DecodeBase64(cd.Challenge)
	if err != nil || subtle.ConstantTimeCompare(got, challenge) != 1 {
		return fmt.Errorf("%w: challenge", ErrClientDataMismatch)
	}
	if !slices.Contains(origins, cd.Origin) {
		return fmt.Errorf("%w: origin %q", ErrClientDataMismatch, cd.Origin)
	}
	return nil
}

func parseClientData(raw []byte) (protocol.CollectedClientData, error) {
	var cd protocol.CollectedClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return cd, fmt.Errorf("%w: clientDataJSON: %v", ErrMalformedInput, err)
	}
	return cd, nil
}

func checkRPIDHash(got []byte, rpID string) error {
	want := sha256.Sum256([]byte(rpID))
	if !bytes.Equal(got, want[:]) {
		return fmt.Errorf("%w: rp id hash", ErrClientDataMismatch)
	}
	return nil
}

func checkFlags(flags protocol.AuthenticatorFlags, requireUV bool) error {
	if !flags.UserPresent() {
		return fmt.Errorf("%w: user not present", ErrUserPresence)
	}
	if requireUV && !flags.UserVerified() {
		return fmt.Errorf("%w: user not verified", ErrUserPresence)
	}
	return nil
}

// verifySignature checks sig over authData || SHA-256(clientDataJSON) with a
// COSE encoded public key.
func verifySignature(coseKey, authData, clientDataJSON, sig []byte) error {
	key, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return fmt.Errorf("%w: stored public key: %v", ErrInvalidSignature, err)
	}
	hash := sha256.Sum256(clientDataJSON)
	signed := make([]byte, 0, len(authData)+len(hash))
	signed = append(signed, authData...)
	signed = append(signed, hash[:]...)

	ok, err := webauthncose.VerifySignature(key, signed, sig)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}

// parseCreation runs the attestation through the go-webauthn parser, which
// decodes the CBOR attestation object and authenticator data.
func parseCreation(req RegistrationRequest) (*protocol.ParsedCredentialCreationData, error) {
	ccr := protocol.CredentialCreationResponse{
		PublicKeyCredential: protocol.PublicKeyCredential{
			Credential: protocol.Credential{
				ID:   CredentialID(req.CredentialID),
				Type: string(protocol.PublicKeyCredentialType),
			},
			RawID: protocol.URLEncodedBase64(req.CredentialID),
		},
		AttestationResponse: protocol.AuthenticatorAttestationResponse{
			AuthenticatorResponse: protocol.AuthenticatorResponse{
				ClientDataJSON: protocol.URLEncodedBase64(req.ClientDataJSON),
			},
			AttestationObject: protocol.URLEncodedBase64(req.AttestationObject),
			Transports:        req.Transports,
		},
	}
	parsed, err := ccr.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return parsed, nil
}

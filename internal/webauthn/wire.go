package webauthn

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Bytes is binary data carried as a base64 JSON string. Standard and URL
// alphabets are both accepted, padded or not, since browsers and the
// existing web client disagree on the encoding.
type Bytes []byte

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: expected base64 string", ErrMalformedInput)
	}
	raw, err := DecodeBase64(s)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawURLEncoding.EncodeToString(b))
}

// DecodeBase64 decodes s in either base64 alphabet.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	enc := base64.RawURLEncoding
	if strings.ContainsAny(s, "+/") {
		enc = base64.RawStdEncoding
	}
	raw, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return raw, nil
}

// CredentialID renders a raw credential id the way it is stored.
func CredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// RegistrationRequest is the client's answer to navigator.credentials.create.
// Both the flat layout of the web client and the standard
// PublicKeyCredential JSON layout are accepted.
type RegistrationRequest struct {
	CredentialID      Bytes    `json:"credentialId"`
	PublicKey         Bytes    `json:"publicKey,omitempty"`
	AuthenticatorData Bytes    `json:"authenticatorData,omitempty"`
	ClientDataJSON    Bytes    `json:"clientDataJSON"`
	AttestationObject Bytes    `json:"attestationObject"`
	Transports        []string `json:"transports,omitempty"`
}

type registrationFlat RegistrationRequest

type registrationStandard struct {
	ID       string `json:"id"`
	RawID    Bytes  `json:"rawId"`
	Response struct {
		ClientDataJSON    Bytes    `json:"clientDataJSON"`
		AttestationObject Bytes    `json:"attestationObject"`
		AuthenticatorData Bytes    `json:"authenticatorData"`
		PublicKey         Bytes    `json:"publicKey"`
		Transports        []string `json:"transports"`
	} `json:"response"`
}

func (r *RegistrationRequest) UnmarshalJSON(data []byte) error {
	if hasResponseField(data) {
		var std registrationStandard
		if err := json.Unmarshal(data, &std); err != nil {
			return malformed(err)
		}
		id := std.RawID
		if len(id) == 0 && std.ID != "" {
			var err error
			if id, err = DecodeBase64(std.ID); err != nil {
				return err
			}
		}
		*r = RegistrationRequest{
			CredentialID:      id,
			PublicKey:         std.Response.PublicKey,
			AuthenticatorData: std.Response.AuthenticatorData,
			ClientDataJSON:    std.Response.ClientDataJSON,
			AttestationObject: std.Response.AttestationObject,
			Transports:        std.Response.Transports,
		}
		return nil
	}
	var flat registrationFlat
	if err := json.Unmarshal(data, &flat); err != nil {
		return malformed(err)
	}
	*r = RegistrationRequest(flat)
	return nil
}

// Validate checks that the fields needed for verification are present.
func (r *RegistrationRequest) Validate() error {
	switch {
	case len(r.CredentialID) == 0:
		return fmt.Errorf("%w: credentialId is required", ErrMalformedInput)
	case len(r.ClientDataJSON) == 0:
		return fmt.Errorf("%w: clientDataJSON is required", ErrMalformedInput)
	case len(r.AttestationObject) == 0:
		return fmt.Errorf("%w: attestationObject is required", ErrMalformedInput)
	}
	return nil
}

// AssertionRequest is the client's answer to navigator.credentials.get.
type AssertionRequest struct {
	CredentialID      Bytes `json:"credentialId"`
	AuthenticatorData Bytes `json:"authenticatorData"`
	ClientDataJSON    Bytes `json:"clientDataJSON"`
	Signature         Bytes `json:"signature"`
	UserHandle        Bytes `json:"userHandle,omitempty"`
}

type assertionFlat AssertionRequest

type assertionStandard struct {
	ID       string `json:"id"`
	RawID    Bytes  `json:"rawId"`
	Response struct {
		AuthenticatorData Bytes `json:"authenticatorData"`
		ClientDataJSON    Bytes `json:"clientDataJSON"`
		Signature         Bytes `json:"signature"`
		UserHandle        Bytes `json:"userHandle"`
	} `json:"response"`
}

func (a *AssertionRequest) UnmarshalJSON(data []byte) error {
	if hasResponseField(data) {
		var std assertionStandard
		if err := json.Unmarshal(data, &std); err != nil {
			return malformed(err)
		}
		id := std.RawID
		if len(id) == 0 && std.ID != "" {
			var err error
			if id, err = DecodeBase64(std.ID); err != nil {
				return err
			}
		}
		*a = AssertionRequest{
			CredentialID:      id,
			AuthenticatorData: std.Response.AuthenticatorData,
			ClientDataJSON:    std.Response.ClientDataJSON,
			Signature:         std.Response.Signature,
			UserHandle:        std.Response.UserHandle,
		}
		return nil
	}
	var flat assertionFlat
	if err := json.Unmarshal(data, &flat); err != nil {
		return malformed(err)
	}
	*a = AssertionRequest(flat)
	return nil
}

// Validate checks that the fields needed for verification are present.
func (a *AssertionRequest) Validate() error {
	switch {
	case len(a.CredentialID) == 0:
		return fmt.Errorf("%w: credentialId is required", ErrMalformedInput)
	case len(a.AuthenticatorData) == 0:
		return fmt.Errorf("%w: authenticatorData is required", ErrMalformedInput)
	case len(a.ClientDataJSON) == 0:
		return fmt.Errorf("%w: clientDataJSON is required", ErrMalformedInput)
	case len(a.Signature) == 0:
		return fmt.Errorf("%w: signature is required", ErrMalformedInput)
	}
	return nil
}

func hasResponseField(data []byte) bool {
	var probe struct {
		Response json.RawMessage `json:"response"`
	}
	return json.Unmarshal(data, &probe) == nil && len(probe.Response) > 0 && !bytes.Equal(probe.Response, []byte("null"))
}

func malformed(err error) error {
	if errors.Is(err, ErrMalformedInput) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformedInput, err)
}

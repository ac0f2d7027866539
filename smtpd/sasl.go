package smtpd

import (
	"bytes"
	"encoding/base64"
	"errors"
)

// errBadPath is returned by splitPathAndParams for a MAIL/RCPT path that
// lacks a closing '>' or any token at all.
var errBadPath = errors.New("smtpd: malformed address path")

// errBadSasl is returned by the SASL decoders on malformed base64 or an
// unexpected number of NUL-separated fields.
var errBadSasl = errors.New("smtpd: malformed SASL response")

// decodeSaslBytes base64-decodes a single SASL continuation line, as used
// for AUTH LOGIN's username/password legs and for generic AuthResponse
// continuations (§2.2 "SASL Codec").
func decodeSaslBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadSasl
	}
	return b, nil
}

// decodeSaslPlain decodes an RFC 4954 / RFC 4616 "PLAIN" initial response:
// base64(authzid NUL authnid NUL password). Either authzid or authnid may
// be empty, but not both; when both are present they must agree (mirrors
// the teacher's identity-matching rule in internal/auth.DecodeResponse,
// generalized to return both IDs instead of collapsing them into one).
func decodeSaslPlain(s string) (authzID, authnID, password string, err error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", "", "", errBadSasl
	}

	parts := bytes.SplitN(buf, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", "", errBadSasl
	}

	authzID = string(parts[0])
	authnID = string(parts[1])
	password = string(parts[2])

	if authzID == "" && authnID == "" {
		return "", "", "", errBadSasl
	}

	return authzID, authnID, password, nil
}

// decodeSaslPlainBytes splits an already base64-decoded PLAIN response
// (authzid NUL authnid NUL password) into its three fields. Used for the
// Auth-phase continuation leg, where the driver has already base64-decoded
// the whole line via parseAuthResponse before the mechanism is known.
func decodeSaslPlainBytes(buf []byte) (authzID, authnID, password string, err error) {
	parts := bytes.SplitN(buf, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", "", errBadSasl
	}

	authzID = string(parts[0])
	authnID = string(parts[1])
	password = string(parts[2])

	if authzID == "" && authnID == "" {
		return "", "", "", errBadSasl
	}

	return authzID, authnID, password, nil
}

// encodeSasl base64-encodes a SASL challenge body, used when tests or
// embedders need to construct client-side responses against the catalogue
// challenges (USERNAME_CHALLENGE, PASSWORD_CHALLENGE).
func encodeSasl(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

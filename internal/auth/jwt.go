package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Audience is the aud claim every relay token must carry.
const Audience = "onyx-sync"

// JWTVerifier accepts HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Identity{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Identity{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return Identity{}, unauthorized("unsupported jwt algorithm")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, unauthorized("invalid jwt payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Identity{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sigBytes, sign(v.secret, parts[0]+"."+parts[1])) {
		return Identity{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Identity{}, unauthorized("invalid jwt payload")
	}
	owner, ok := payload["sub"].(string)
	if !ok || owner == "" {
		return Identity{}, unauthorized("missing sub claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return Identity{}, unauthorized("invalid exp claim")
	}
	if v.now().Unix() >= exp {
		return Identity{}, &Error{Code: "expired", Message: "token expired"}
	}
	if aud, ok := payload["aud"].(string); !ok || aud != Audience {
		return Identity{}, unauthorized("invalid aud claim")
	}
	return Identity{OwnerID: owner, ExpiresAt: time.Unix(exp, 0)}, nil
}

// IssueToken signs a relay token for owner. Local development and tests use
// it in place of the identity provider.
func IssueToken(secret, owner string, expiresAt time.Time) (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"sub": owner,
		"aud": Audience,
		"exp": expiresAt.Unix(),
	})
	if err != nil {
		return "", err
	}
	unsigned := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(sign([]byte(secret), unsigned)), nil
}

func sign(secret []byte, data string) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(data))
	return mac.Sum(nil)
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}

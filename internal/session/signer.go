package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Signer はセッションIDにHMAC-SHA256署名を付与・検証する。
// Cookie値の形式は "<id>.<signature>"。
type Signer struct {
	key []byte
}

// NewSigner はSESSION_SECRETからSignerを生成する。
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Sign は署名付きのCookie値を返す。
func (s *Signer) Sign(id string) string {
	return id + "." + s.mac(id)
}

// Verify はCookie値の署名を検証し、セッションIDを返す。
func (s *Signer) Verify(value string) (string, bool) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" || sig == "" {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(id))) {
		return "", false
	}
	return id, true
}

func (s *Signer) mac(id string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

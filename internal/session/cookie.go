// Package session はセッションの永続化とCookie属性の決定を提供する。
package session

import (
	"net/http"
	"regexp"
	"strings"
	"time"
)

// CookieName はセッションIDを保持するCookie名。
const CookieName = "bizdesk_session"

// Attributes はCookie Policyが決定するCookie属性。
type Attributes struct {
	Secure   bool
	SameSite http.SameSite
	Domain   string
}

// Policy は環境・通信経路・端末種別からCookie属性を決定する純粋関数。
//
//	production + https → secure=true,  sameSite=lax
//	production + http  → secure=false, sameSite=lax
//	development        → secure=false, sameSite=lax
//
// OAuthのリダイレクト往復を通すためsameSiteは常にlax。noneは返さない。
// Domainは常に空。明示的なドメイン指定はモバイル端末でセッション喪失を起こした。
// mobileは現状どの組み合わせでも結果を変えない。
func Policy(production, https, mobile bool) Attributes {
	return Attributes{
		Secure:   production && https,
		SameSite: http.SameSiteLaxMode,
		Domain:   "",
	}
}

// IsHTTPS はリクエストがHTTPSで受信されたかを返す。
// TLS終端がリバースプロキシの場合はX-Forwarded-Protoを参照する。
func IsHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}

var mobileUserAgent = regexp.MustCompile(`(?i)(iphone|ipad|ipod|android|mobile|windows phone|blackberry)`)

// IsMobile はUser-Agentがモバイルブラウザのものかを返す。
func IsMobile(userAgent string) bool {
	return mobileUserAgent.MatchString(userAgent)
}

// CookieWriter はPolicyに従ってセッションCookieを発行・削除する。
type CookieWriter struct {
	production bool
	maxAge     time.Duration
}

// NewCookieWriter はCookieWriterを生成する。maxAgeにはセッションTTLを渡す。
func NewCookieWriter(production bool, maxAge time.Duration) *CookieWriter {
	return &CookieWriter{production: production, maxAge: maxAge}
}

// AttributesFor はリクエストに対するCookie属性を返す。
func (c *CookieWriter) AttributesFor(r *http.Request) Attributes {
	return Policy(c.production, IsHTTPS(r), IsMobile(r.UserAgent()))
}

// Set はセッションCookieを発行する。valueには署名済みのセッションIDを渡す。
func (c *CookieWriter) Set(w http.ResponseWriter, r *http.Request, value string) {
	attrs := c.AttributesFor(r)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   attrs.Domain,
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
	})
}

// Clear はセッションCookieを削除する。
func (c *CookieWriter) Clear(w http.ResponseWriter, r *http.Request) {
	attrs := c.AttributesFor(r)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   attrs.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
	})
}

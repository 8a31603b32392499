package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	deviceCookieName = "pw_device"
	anonCookieName   = "pw_aid"
	cookieMaxAge     = int(365 * 24 * time.Hour / time.Second)
)

// deviceIdentity is the outcome of reading the signed device cookie.
// Fresh means the id was minted on this request because the cookie was
// absent or its signature did not verify. The signature deters casual
// tampering; reissue is deliberately fail-open.
type deviceIdentity struct {
	ID    string
	Fresh bool
}

// cookieCodec signs and verifies opaque cookie values as "value.sig"
// with HMAC-SHA256.
type cookieCodec struct {
	secret []byte
}

func (c cookieCodec) sign(value string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(value))
	return value + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (c cookieCodec) verify(raw string) (string, bool) {
	value, sig, found := strings.Cut(raw, ".")
	if !found || value == "" {
		return "", false
	}
	want, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(value))
	if !hmac.Equal(mac.Sum(nil), want) {
		return "", false
	}
	return value, true
}

// deviceIdentity reads the device cookie, minting and setting a fresh
// signed id when the cookie is missing or fails verification.
func (h *handler) deviceIdentity(w http.ResponseWriter, r *http.Request) deviceIdentity {
	if cookie, err := r.Cookie(deviceCookieName); err == nil {
		if id, ok := h.cookies.verify(cookie.Value); ok {
			return deviceIdentity{ID: id}
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    h.cookies.sign(id),
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return deviceIdentity{ID: id, Fresh: true}
}

// anonID returns the browser's anonymous id. With mint set, a missing
// cookie is replaced by a fresh id; otherwise "" is returned so the
// caller can reject.
func (h *handler) anonID(w http.ResponseWriter, r *http.Request, mint bool) string {
	if cookie, err := r.Cookie(anonCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if !mint {
		return ""
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     anonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

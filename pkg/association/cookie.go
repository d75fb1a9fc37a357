package association

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"
)

// State cookie errors. Both are handled locally and never surfaced to the
// caller: an invalid cookie drops the COOKIE-ECHO, a stale one answers with
// an ERROR chunk.
var (
	errCookieInvalid = errors.New("association: state cookie invalid")
	errCookieStale   = errors.New("association: state cookie expired")
)

const cookieMACSize = cookieLength - 4

// generateCookie builds a self-contained state cookie: a 4-byte timestamp
// followed by a keyed MAC over it. No per-handshake state is kept server
// side; the cookie itself proves we produced it recently.
func (a *Association) generateCookie(now time.Time) []byte {
	cookie := make([]byte, 4, cookieLength)
	binary.BigEndian.PutUint32(cookie, uint32(now.Unix()))
	return append(cookie, a.cookieMAC(cookie[:4])...)
}

func (a *Association) cookieMAC(data []byte) []byte {
	// key size is valid, blake2b cannot fail here
	mac, _ := blake2b.New(cookieMACSize, a.cookieKey)
	mac.Write(data) //nolint:errcheck
	return mac.Sum(nil)
}

// verifyCookie checks a cookie returned in a COOKIE-ECHO.
func (a *Association) verifyCookie(now time.Time, cookie []byte) error {
	if len(cookie) != cookieLength {
		return errCookieInvalid
	}
	if !hmac.Equal(cookie[4:], a.cookieMAC(cookie[:4])) {
		return errCookieInvalid
	}
	stamp := int64(binary.BigEndian.Uint32(cookie))
	nowUnix := now.Unix()
	if stamp < nowUnix-int64(a.config.CookieLifetime.Seconds()) || stamp > nowUnix {
		return errCookieStale
	}
	return nil
}

package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"careportal/internal/domain"
)

const (
	base64Prefix = "base64-"
	// maxChunkSize keeps every cookie under browser limits once name and
	// attributes are added
	maxChunkSize = 3180
	cookieMaxAge = 400 * 24 * time.Hour
)

// CookieStorage reads the session from request cookies and writes updates
// as Set-Cookie headers. The value is "base64-" + base64url(JSON), split
// into name.0, name.1, ... when too long for one cookie.
type CookieStorage struct {
	r      *http.Request
	w      http.ResponseWriter
	name   string
	secure bool
}

func NewCookieStorage(r *http.Request, w http.ResponseWriter, name string, secure bool) *CookieStorage {
	return &CookieStorage{r: r, w: w, name: name, secure: secure}
}

func (c *CookieStorage) Load(ctx context.Context) (*domain.Session, error) {
	raw := c.rawValue()
	if raw == "" {
		return nil, nil
	}
	return DecodeSessionCookie(raw)
}

func (c *CookieStorage) Save(ctx context.Context, sess *domain.Session) error {
	value, err := EncodeSessionCookie(sess)
	if err != nil {
		return err
	}

	chunks := chunkString(value, maxChunkSize)
	existing := c.existingNames()

	if len(chunks) == 1 {
		c.set(c.name, chunks[0])
		delete(existing, c.name)
	} else {
		for i, chunk := range chunks {
			name := c.chunkName(i)
			c.set(name, chunk)
			delete(existing, name)
		}
	}

	for name := range existing {
		c.expire(name)
	}
	return nil
}

func (c *CookieStorage) Clear(ctx context.Context) error {
	for name := range c.existingNames() {
		c.expire(name)
	}
	return nil
}

// rawValue joins the unchunked cookie or the contiguous chunk sequence
func (c *CookieStorage) rawValue() string {
	if ck, err := c.r.Cookie(c.name); err == nil && ck.Value != "" {
		return ck.Value
	}

	var b strings.Builder
	for i := 0; ; i++ {
		ck, err := c.r.Cookie(c.chunkName(i))
		if err != nil {
			break
		}
		b.WriteString(ck.Value)
	}
	return b.String()
}

// existingNames lists the session cookies the request carried
func (c *CookieStorage) existingNames() map[string]struct{} {
	names := make(map[string]struct{})
	for _, ck := range c.r.Cookies() {
		if ck.Name == c.name {
			names[ck.Name] = struct{}{}
			continue
		}
		if suffix, ok := strings.CutPrefix(ck.Name, c.name+"."); ok {
			if _, err := strconv.Atoi(suffix); err == nil {
				names[ck.Name] = struct{}{}
			}
		}
	}
	return names
}

func (c *CookieStorage) chunkName(i int) string {
	return c.name + "." + strconv.Itoa(i)
}

func (c *CookieStorage) set(name, value string) {
	http.SetCookie(c.w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *CookieStorage) expire(name string) {
	http.SetCookie(c.w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// EncodeSessionCookie renders sess in the session cookie format
func EncodeSessionCookie(sess *domain.Session) (string, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session cookie: %w", err)
	}
	return base64Prefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeSessionCookie parses a (joined) session cookie value
func DecodeSessionCookie(raw string) (*domain.Session, error) {
	data := []byte(raw)
	if encoded, ok := strings.CutPrefix(raw, base64Prefix); ok {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSession, err)
		}
		data = decoded
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSession, err)
	}
	if sess.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token", domain.ErrInvalidSession)
	}
	return &sess, nil
}

// SessionCookies returns the cookies a client should send for sess under name
func SessionCookies(name string, sess *domain.Session) ([]*http.Cookie, error) {
	value, err := EncodeSessionCookie(sess)
	if err != nil {
		return nil, err
	}
	chunks := chunkString(value, maxChunkSize)
	if len(chunks) == 1 {
		return []*http.Cookie{{Name: name, Value: chunks[0]}}, nil
	}
	cookies := make([]*http.Cookie, 0, len(chunks))
	for i, chunk := range chunks {
		cookies = append(cookies, &http.Cookie{Name: name + "." + strconv.Itoa(i), Value: chunk})
	}
	return cookies, nil
}

func chunkString(s string, size int) []string {
	if len(s) <= size {
		return []string{s}
	}
	chunks := make([]string, 0, len(s)/size+1)
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

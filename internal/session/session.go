// Package session supplies the authenticated HTTP state shared by every
// request of a download batch.
package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/iconidentify/nicograb/internal/config"
)

// CookieName is the platform's login cookie.
const CookieName = "user_session"

// Provider supplies an authenticated client. Logging in is the caller's
// concern; a provider only carries credentials that already exist.
type Provider interface {
	// HTTPClient returns a client for short API requests.
	HTTPClient() *http.Client
	// Jar returns the cookies attached to every request.
	Jar() http.CookieJar
}

// CookieProvider authenticates requests with a user_session cookie.
type CookieProvider struct {
	jar    *cookiejar.Jar
	client *http.Client
}

// NewCookieProvider builds a provider from cfg. An empty UserSession yields
// an anonymous provider whose jar starts empty.
func NewCookieProvider(cfg config.SessionConfig, timeout time.Duration) (*CookieProvider, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	if cfg.UserSession != "" {
		host := strings.TrimPrefix(cfg.CookieDomain, ".")
		if host == "" {
			return nil, fmt.Errorf("cookie domain is required with a user session")
		}
		cookie := &http.Cookie{
			Name:  CookieName,
			Value: cfg.UserSession,
			Path:  "/",
		}
		// A leading dot shares the cookie with every subdomain.
		if strings.HasPrefix(cfg.CookieDomain, ".") {
			cookie.Domain = host
		}
		for _, scheme := range []string{"https", "http"} {
			jar.SetCookies(&url.URL{Scheme: scheme, Host: host, Path: "/"}, []*http.Cookie{cookie})
		}
	}

	return &CookieProvider{
		jar: jar,
		client: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}, nil
}

// HTTPClient implements Provider.
func (p *CookieProvider) HTTPClient() *http.Client {
	return p.client
}

// Jar implements Provider.
func (p *CookieProvider) Jar() http.CookieJar {
	return p.jar
}

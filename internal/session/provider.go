package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	probeURL   = "http://i.alibaba.com/index.htm"
	ctokenName = "xman_us_t"
)

// Pages visited after login so every subdomain the crawl touches has its
// cookies established before the first data request.
var warmupPages = []string{
	"http://hz-mydata.alibaba.com/self/keyword.htm",
	"http://hz-productposting.alibaba.com/product/products_manage.htm",
	"http://hz-mydata.alibaba.com/industry/keywords.htm",
	"http://hz-productposting.alibaba.com/product/posting.htm",
	"http://www2.alibaba.com/home/index.htm",
}

var ctokenPattern = regexp.MustCompile(`ctoken=(\w+)&`)

// Credentials identify the seller account used for browser login.
type Credentials struct {
	LoginID  string
	Password string
}

// Cookie is the JSON persistence form of one session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Provider owns the platform session: cached cookies, validity probing,
// browser-driven login, and request signing. It is injected into the crawl,
// nothing here is global.
type Provider struct {
	cookieFile   string
	creds        Credentials
	loginTimeout time.Duration
	client       *http.Client
	cookies      []Cookie
}

// NewProvider builds a session provider around the given cookie cache file.
func NewProvider(cookieFile string, creds Credentials, loginTimeout time.Duration) (*Provider, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Provider{
		cookieFile:   cookieFile,
		creds:        creds,
		loginTimeout: loginTimeout,
		client: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Ensure makes the session usable: cached cookies are loaded and probed, and
// a browser login runs if the probe rejects them.
func (p *Provider) Ensure(ctx context.Context) error {
	if err := p.loadCookieFile(); err != nil {
		logrus.WithError(err).Warn("Ignoring unreadable cookie cache")
	}

	if len(p.cookies) > 0 {
		if err := p.probe(ctx); err == nil {
			return p.warmup(ctx)
		}
		logrus.Info("Cached session rejected, logging in again")
	}

	if err := p.login(ctx); err != nil {
		return err
	}
	if err := p.probe(ctx); err != nil {
		return fmt.Errorf("session invalid after login: %w", err)
	}
	return p.warmup(ctx)
}

// Invalidate discards the cached cookies and forces a fresh login.
func (p *Provider) Invalidate(ctx context.Context) error {
	p.cookies = nil
	if err := os.Remove(p.cookieFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cookie cache: %w", err)
	}
	return p.Ensure(ctx)
}

// Sign attaches the session cookie header and base browser headers to an
// outgoing request's header set.
func (p *Provider) Sign(headers map[string]string) error {
	if len(p.cookies) == 0 {
		return fmt.Errorf("no session established")
	}
	pairs := make([]string, 0, len(p.cookies))
	for _, c := range p.cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	headers["Cookie"] = strings.Join(pairs, "; ")
	if _, ok := headers["User-Agent"]; !ok {
		headers["User-Agent"] = browserUserAgent
	}
	return nil
}

// AntiForgeryToken fetches a platform page with the session and extracts an
// embedded token with the given pattern. The pattern's first capture group is
// the token.
func (p *Provider) AntiForgeryToken(ctx context.Context, pageURL, pattern string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid token pattern: %w", err)
	}

	body, err := p.get(ctx, pageURL)
	if err != nil {
		return "", err
	}

	match := re.FindStringSubmatch(body)
	if match == nil || len(match) < 2 {
		return "", fmt.Errorf("no token found on %s", pageURL)
	}
	return match[1], nil
}

// CToken extracts the API token embedded in the session's tracking cookie.
func (p *Provider) CToken() (string, error) {
	for _, c := range p.cookies {
		if c.Name != ctokenName {
			continue
		}
		if match := ctokenPattern.FindStringSubmatch(c.Value); match != nil {
			return match[1], nil
		}
	}
	return "", fmt.Errorf("no %s cookie in session", ctokenName)
}

func (p *Provider) login(ctx context.Context) error {
	cookies, err := harvestLoginCookies(ctx, p.creds, p.loginTimeout)
	if err != nil {
		return fmt.Errorf("browser login failed: %w", err)
	}
	p.cookies = cookies
	p.syncJar()

	if err := p.saveCookieFile(); err != nil {
		logrus.WithError(err).Warn("Failed to persist cookie cache")
	}
	return nil
}

// probe requests a known page without following redirects; anything but a
// plain 200 means the session is not accepted.
func (p *Provider) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) warmup(ctx context.Context) error {
	for _, page := range warmupPages {
		if _, err := p.get(ctx, page); err != nil {
			return fmt.Errorf("warmup of %s failed: %w", page, err)
		}
	}
	return nil
}

func (p *Provider) get(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	headers := map[string]string{"User-Agent": browserUserAgent}
	if err := p.Sign(headers); err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request to %s failed: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	return string(body), nil
}

func (p *Provider) loadCookieFile() error {
	data, err := os.ReadFile(p.cookieFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cookie cache: %w", err)
	}
	if err := json.Unmarshal(data, &p.cookies); err != nil {
		return fmt.Errorf("corrupt cookie cache: %w", err)
	}
	p.syncJar()
	return nil
}

func (p *Provider) saveCookieFile() error {
	data, err := json.MarshalIndent(p.cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	if err := os.WriteFile(p.cookieFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cookie cache: %w", err)
	}
	return nil
}

// syncJar mirrors the cookie slice into the HTTP client's jar so token and
// warmup page fetches carry the session too.
func (p *Provider) syncJar() {
	byDomain := make(map[string][]*http.Cookie)
	for _, c := range p.cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			domain = "alibaba.com"
		}
		byDomain[domain] = append(byDomain[domain], &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Path:   c.Path,
			Domain: c.Domain,
		})
	}
	for domain, cookies := range byDomain {
		u := &url.URL{Scheme: "http", Host: domain}
		p.client.Jar.SetCookies(u, cookies)
	}
}

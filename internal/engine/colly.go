package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"

	"github.com/yangwenmai/cookiepool/internal/model"
)

// DefaultUserAgent is sent by HTTP-level capabilities.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// CollyBrowser visits targets with a plain HTTP collector. It cannot run
// JavaScript challenges, so it suits targets that set cookies server-side.
type CollyBrowser struct {
	RequestTimeout time.Duration
	UserAgent      string
}

// NewCollyBrowser creates a CollyBrowser with default settings.
func NewCollyBrowser(requestTimeout time.Duration) *CollyBrowser {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &CollyBrowser{RequestTimeout: requestTimeout, UserAgent: DefaultUserAgent}
}

type collyHandle struct {
	collector *colly.Collector

	mu        sync.Mutex
	response  *colly.Response
	visitErr  error
	setCookie map[string]*http.Cookie
}

// Open builds a collector whose transport goes through proxy.
func (b *CollyBrowser) Open(ctx context.Context, proxyURL string) (Handle, error) {
	c := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.UserAgent(b.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)
	c.SetRequestTimeout(b.RequestTimeout)

	if proxyURL != "" && proxyURL != DirectProxy {
		rp, err := proxy.RoundRobinProxySwitcher(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
		c.SetProxyFunc(rp)
	}

	h := &collyHandle{collector: c, setCookie: make(map[string]*http.Cookie)}
	c.OnResponse(func(r *colly.Response) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.response = r
		h.recordSetCookies(r.Headers)
	})
	c.OnError(func(r *colly.Response, err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.visitErr = err
		if r != nil && r.StatusCode != 0 {
			h.response = r
		}
	})
	return h, nil
}

// recordSetCookies keeps full cookie attributes, which the jar does not expose.
func (h *collyHandle) recordSetCookies(headers *http.Header) {
	if headers == nil {
		return
	}
	for _, line := range headers.Values("Set-Cookie") {
		if c, err := http.ParseSetCookie(line); err == nil {
			h.setCookie[c.Name] = c
		}
	}
}

// Visit fetches url and returns the cookies held by the collector's jar.
func (b *CollyBrowser) Visit(_ context.Context, h Handle, rawURL string) (*VisitOutcome, error) {
	ch, ok := h.(*collyHandle)
	if !ok {
		return nil, errUnknownHandle
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	ch.mu.Lock()
	ch.response, ch.visitErr = nil, nil
	ch.mu.Unlock()

	err = ch.collector.Visit(rawURL)
	ch.collector.Wait()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err == nil {
		err = ch.visitErr
	}
	if err != nil && ch.response == nil {
		return nil, fmt.Errorf("visit %s: %w", u.Host, err)
	}
	if ch.response == nil {
		return nil, errors.New("no response received")
	}

	out := &VisitOutcome{
		StatusCode: ch.response.StatusCode,
		FinalURL:   ch.response.Request.URL.String(),
		Page:       inspectPage(ch.response.Body, ch.response.Request.URL),
	}
	for _, c := range ch.collector.Cookies(rawURL) {
		out.Cookies = append(out.Cookies, ch.toEntry(c, u))
	}
	return out, nil
}

// toEntry merges a jar cookie with the attributes seen in Set-Cookie headers.
func (h *collyHandle) toEntry(c *http.Cookie, u *url.URL) model.CookieEntry {
	e := model.CookieEntry{
		Name:   c.Name,
		Value:  c.Value,
		Domain: u.Hostname(),
		Path:   "/",
	}
	if full, ok := h.setCookie[c.Name]; ok {
		if full.Domain != "" {
			e.Domain = full.Domain
		}
		if full.Path != "" {
			e.Path = full.Path
		}
		switch {
		case !full.Expires.IsZero():
			e.Expires = full.Expires.Unix()
		case full.MaxAge > 0:
			e.Expires = time.Now().Add(time.Duration(full.MaxAge) * time.Second).Unix()
		}
		e.HTTPOnly = full.HttpOnly
		e.Secure = full.Secure
	}
	if !strings.HasPrefix(e.Domain, ".") && e.Domain != u.Hostname() {
		e.Domain = "." + e.Domain
	}
	return e
}

// Close drops the collector; colly holds no process resources.
func (b *CollyBrowser) Close(h Handle) error {
	if _, ok := h.(*collyHandle); !ok {
		return errUnknownHandle
	}
	return nil
}

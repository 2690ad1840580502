package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yangwenmai/cookiepool/internal/model"
)

// StubBrowser returns synthetic cookies for the visited domain (for
// development/testing). Visit hooks let tests script failures and delays.
type StubBrowser struct {
	// Delay is slept (honoring ctx) on every Visit.
	Delay time.Duration
	// VisitFunc, if set, replaces the synthetic outcome.
	VisitFunc func(ctx context.Context, proxy, url string) (*VisitOutcome, error)
	// OpenErr, if set, fails every Open.
	OpenErr error

	opened atomic.Int64
	closed atomic.Int64
	visits atomic.Int64

	mu      sync.Mutex
	handles map[*stubHandle]bool
}

type stubHandle struct {
	proxy string
}

var errUnknownHandle = errors.New("unknown browser handle")

// Open returns a new stub handle bound to proxy.
func (b *StubBrowser) Open(_ context.Context, proxy string) (Handle, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	h := &stubHandle{proxy: proxy}
	b.mu.Lock()
	if b.handles == nil {
		b.handles = make(map[*stubHandle]bool)
	}
	b.handles[h] = true
	b.mu.Unlock()
	b.opened.Add(1)
	return h, nil
}

// Visit produces the scripted or synthetic outcome.
func (b *StubBrowser) Visit(ctx context.Context, h Handle, rawURL string) (*VisitOutcome, error) {
	sh, ok := h.(*stubHandle)
	if !ok {
		return nil, errUnknownHandle
	}
	b.visits.Add(1)
	if b.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Delay):
		}
	}
	if b.VisitFunc != nil {
		return b.VisitFunc(ctx, sh.proxy, rawURL)
	}
	return SyntheticOutcome(rawURL), nil
}

// Close releases the handle. Closing twice is an error.
func (b *StubBrowser) Close(h Handle) error {
	sh, ok := h.(*stubHandle)
	if !ok {
		return errUnknownHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.handles[sh] {
		return errUnknownHandle
	}
	delete(b.handles, sh)
	b.closed.Add(1)
	return nil
}

// Opened returns the number of handles opened so far.
func (b *StubBrowser) Opened() int64 { return b.opened.Load() }

// Closed returns the number of handles closed so far.
func (b *StubBrowser) Closed() int64 { return b.closed.Load() }

// Visits returns the number of Visit calls so far.
func (b *StubBrowser) Visits() int64 { return b.visits.Load() }

// SyntheticOutcome builds a plausible cookie set for the URL's domain.
func SyntheticOutcome(rawURL string) *VisitOutcome {
	domain := "example.com"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = strings.TrimPrefix(u.Hostname(), "www.")
	}
	exp := time.Now().Add(2 * time.Hour).Unix()
	return &VisitOutcome{
		Cookies: []model.CookieEntry{
			{Name: "session_token", Value: randomHex(32), Domain: "." + domain, Path: "/", Expires: exp, HTTPOnly: true, Secure: true},
			{Name: "visitor_id", Value: randomHex(16), Domain: "." + domain, Path: "/", Expires: exp},
			{Name: "bot_check", Value: randomHex(24), Domain: "." + domain, Path: "/", Expires: exp, HTTPOnly: true},
			{Name: "locale", Value: "en-US", Domain: "." + domain, Path: "/"},
		},
		StatusCode: 200,
		FinalURL:   rawURL,
		Page:       PageInfo{Title: "Stub page for " + domain, TextLength: 1200},
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

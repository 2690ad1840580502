package engine

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/yangwenmai/cookiepool/internal/model"
)

// RodBrowser drives a headless Chrome per handle, so JavaScript challenges
// run before cookies are collected.
type RodBrowser struct {
	// Bin is the browser binary; empty lets the launcher find or download one.
	Bin string
	// Headless toggles headless mode.
	Headless bool
	// Settle is how long to wait after load for challenge scripts to finish.
	Settle time.Duration
}

// NewRodBrowser creates a headless RodBrowser.
func NewRodBrowser(bin string, settle time.Duration) *RodBrowser {
	if settle <= 0 {
		settle = 5 * time.Second
	}
	return &RodBrowser{Bin: bin, Headless: true, Settle: settle}
}

type rodHandle struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// Open launches a browser process routed through proxy.
func (b *RodBrowser) Open(ctx context.Context, proxyURL string) (Handle, error) {
	l := launcher.New().Headless(b.Headless).Leakless(true)
	if b.Bin != "" {
		l = l.Bin(b.Bin)
	}

	var user, pass string
	if proxyURL != "" && proxyURL != DirectProxy {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
		l = l.Proxy(u.Scheme + "://" + u.Host)
	}

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if user != "" {
		go func() { _ = browser.HandleAuth(user, pass)() }()
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &rodHandle{launcher: l, browser: browser, page: page}, nil
}

// Visit navigates to url, lets the page settle and reads its cookies.
func (b *RodBrowser) Visit(ctx context.Context, h Handle, rawURL string) (*VisitOutcome, error) {
	rh, ok := h.(*rodHandle)
	if !ok {
		return nil, errUnknownHandle
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	page := rh.page.Context(ctx)
	if err := page.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(b.Settle):
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}
	cookies, err := page.Cookies([]string{rawURL})
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	out := &VisitOutcome{
		StatusCode: 200,
		FinalURL:   rawURL,
	}
	if info, err := page.Info(); err == nil && info.URL != "" {
		out.FinalURL = info.URL
	}
	out.Page = inspectPage([]byte(html), u)
	for _, c := range cookies {
		e := model.CookieEntry{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Session && c.Expires > 0 {
			e.Expires = int64(c.Expires)
		}
		out.Cookies = append(out.Cookies, e)
	}
	return out, nil
}

// Close shuts down the browser process. Errors are returned but the process
// is killed regardless.
func (b *RodBrowser) Close(h Handle) error {
	rh, ok := h.(*rodHandle)
	if !ok {
		return errUnknownHandle
	}
	err := rh.browser.Close()
	rh.launcher.Kill()
	rh.launcher.Cleanup()
	return err
}

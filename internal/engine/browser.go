package engine

import (
	"fmt"
	"strings"
	"time"
)

// Browser kinds selectable by configuration.
const (
	BrowserStub  = "stub"
	BrowserColly = "colly"
	BrowserRod   = "rod"
)

// BrowserOptions configures NewBrowser.
type BrowserOptions struct {
	Kind           string
	RequestTimeout time.Duration
	RodBin         string
	RodSettle      time.Duration
	Headful        bool
}

// NewBrowser returns the capability named by opts.Kind.
func NewBrowser(opts BrowserOptions) (Browser, error) {
	switch strings.ToLower(opts.Kind) {
	case BrowserStub, "":
		return &StubBrowser{}, nil
	case BrowserColly:
		return NewCollyBrowser(opts.RequestTimeout), nil
	case BrowserRod:
		b := NewRodBrowser(opts.RodBin, opts.RodSettle)
		b.Headless = !opts.Headful
		return b, nil
	default:
		return nil, fmt.Errorf("unknown browser kind %q", opts.Kind)
	}
}

package engine

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

// PageInfo summarizes the landing page for diagnostics and challenge detection.
type PageInfo struct {
	Title      string `json:"title"`
	TextLength int    `json:"text_length"`
	Challenge  bool   `json:"challenge"`
}

// challengeTitles are lowercase title fragments of interstitial bot-check pages.
var challengeTitles = []string{
	"just a moment",
	"attention required",
	"access denied",
	"checking your browser",
	"please wait",
	"verify you are human",
	"pardon our interruption",
}

// challengeSelectors match markup that interstitial pages embed.
var challengeSelectors = []string{
	"#challenge-form",
	"#challenge-running",
	"#cf-challenge-running",
	"iframe[src*='captcha']",
	"div.g-recaptcha",
	"div.h-captcha",
	"#px-captcha",
}

// inspectPage reads the title, the readable text length and challenge markers
// from a landing page. Unparseable bodies yield a zero PageInfo.
func inspectPage(body []byte, pageURL *url.URL) PageInfo {
	var info PageInfo
	if len(body) == 0 {
		return info
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		info.Title = strings.TrimSpace(doc.Find("title").First().Text())
		for _, sel := range challengeSelectors {
			if doc.Find(sel).Length() > 0 {
				info.Challenge = true
				break
			}
		}
	}

	title := strings.ToLower(info.Title)
	for _, marker := range challengeTitles {
		if strings.Contains(title, marker) {
			info.Challenge = true
			break
		}
	}

	if pageURL != nil {
		if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil {
			info.TextLength = utf8.RuneCountInString(strings.TrimSpace(article.TextContent))
			if info.Title == "" {
				info.Title = article.Title
			}
		}
	}
	return info
}

package engine

import "encoding/json"

// Validation defaults.
const (
	DefaultMinDomainCookies = 3
	DefaultMinPayloadBytes  = 256
)

// Validator rejects payloads that do not look like a fully loaded target page.
type Validator struct {
	MinDomainCookies int
	MinPayloadBytes  int
}

// DefaultValidator returns the default thresholds.
func DefaultValidator() Validator {
	return Validator{
		MinDomainCookies: DefaultMinDomainCookies,
		MinPayloadBytes:  DefaultMinPayloadBytes,
	}
}

// Validate checks the outcome of a visit to a page on domain.
func (v Validator) Validate(out *VisitOutcome, domain string) error {
	if out == nil || len(out.Cookies) == 0 {
		return newError(KindValidation, nil, "no cookies collected")
	}
	if out.Page.Challenge {
		return newError(KindValidation, nil, "challenge page still shown (title %q)", out.Page.Title)
	}

	scoped := 0
	for _, c := range out.Cookies {
		if c.MatchesDomain(domain) {
			scoped++
		}
	}
	if scoped < v.MinDomainCookies {
		return newError(KindValidation, nil, "only %d of %d cookies scoped to %s, need %d",
			scoped, len(out.Cookies), domain, v.MinDomainCookies)
	}

	b, err := json.Marshal(out.Cookies)
	if err != nil {
		return newError(KindValidation, err, "encode cookies")
	}
	if len(b) < v.MinPayloadBytes {
		return newError(KindValidation, nil, "payload too small (%d bytes), page likely not loaded", len(b))
	}
	return nil
}

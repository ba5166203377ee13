package i18n

import (
	"sort"
	"strings"
)

type Language string

const (
	English Language = "en"
	Arabic  Language = "ar"
	Kurdish Language = "ku"
	Turkish Language = "tr"
)

var supported = map[Language]bool{English: true, Arabic: true, Kurdish: true, Turkish: true}

// ParseLanguage matches s against the supported codes, ignoring case and
// surrounding space.
func ParseLanguage(s string) (Language, bool) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	return l, supported[l]
}

// PrefixRule maps national numbers starting with Prefix to Language.
type PrefixRule struct {
	Prefix   string
	Language Language
}

// CountryRule assigns a language to phone numbers under one calling code.
// Prefixes are checked against the national number before Primary applies.
type CountryRule struct {
	CallingCode string
	Primary     Language
	Prefixes    []PrefixRule
}

type Resolver struct {
	rules    []CountryRule
	fallback Language
}

// NewResolver builds a resolver; longer calling codes win over shorter ones.
func NewResolver(fallback Language, rules ...CountryRule) *Resolver {
	sorted := make([]CountryRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].CallingCode) > len(sorted[j].CallingCode) })
	if !supported[fallback] {
		fallback = English
	}
	return &Resolver{rules: sorted, fallback: fallback}
}

// DefaultRules covers the markets the service runs in. Iraqi numbers in the
// 7xx national range resolve to Kurdish.
func DefaultRules() []CountryRule {
	return []CountryRule{
		{CallingCode: "964", Primary: Arabic, Prefixes: []PrefixRule{{Prefix: "7", Language: Kurdish}}},
		{CallingCode: "90", Primary: Turkish},
	}
}

var defaultResolver = NewResolver(English, DefaultRules()...)

// ResolveLanguage resolves with the default rules.
func ResolveLanguage(preference, phone string) Language {
	return defaultResolver.Resolve(preference, phone)
}

// Resolve picks the notification language for a recipient. It never fails:
// anything it cannot place gets the fallback language.
func (r *Resolver) Resolve(preference, phone string) Language {
	if l, ok := ParseLanguage(preference); ok {
		return l
	}
	digits, international := normalizePhone(phone)
	if !international {
		return r.fallback
	}
	for _, rule := range r.rules {
		if !strings.HasPrefix(digits, rule.CallingCode) {
			continue
		}
		national := strings.TrimPrefix(digits[len(rule.CallingCode):], "0")
		for _, p := range rule.Prefixes {
			if strings.HasPrefix(national, p.Prefix) {
				return p.Language
			}
		}
		return rule.Primary
	}
	return r.fallback
}

// normalizePhone strips formatting and reports whether the number carried
// an international prefix ("+" or "00").
func normalizePhone(phone string) (string, bool) {
	phone = strings.TrimSpace(phone)
	international := false
	switch {
	case strings.HasPrefix(phone, "+"):
		international = true
		phone = phone[1:]
	case strings.HasPrefix(phone, "00"):
		international = true
		phone = phone[2:]
	}
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String(), international && b.Len() > 0
}

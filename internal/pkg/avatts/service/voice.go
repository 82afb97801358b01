package service

import (
	"strings"

	"golang.org/x/text/language"
)

// LanguageStatus mirrors the host framework's language availability codes.
type LanguageStatus int

const (
	LangAvailable        LanguageStatus = 0
	LangCountryAvailable LanguageStatus = 1
	LangNotSupported     LanguageStatus = -2
)

func (s LanguageStatus) String() string {
	switch s {
	case LangAvailable:
		return "available"
	case LangCountryAvailable:
		return "country_available"
	case LangNotSupported:
		return "not_supported"
	default:
		return "unknown"
	}
}

const (
	QualityVeryHigh = 500
	LatencyNormal   = 300
)

type Voice struct {
	Name            string   `json:"name"`
	Locale          string   `json:"locale"`
	Quality         int      `json:"quality"`
	Latency         int      `json:"latency"`
	RequiresNetwork bool     `json:"requires_network"`
	Features        []string `json:"features,omitempty"`
}

// VoiceDataResult is the answer to a voice data check.
type VoiceDataResult struct {
	Pass        bool     `json:"pass"`
	Available   []string `json:"available"`
	Unavailable []string `json:"unavailable"`
}

// Locale is the single language the service speaks.
type Locale struct {
	base   language.Base
	region language.Region
}

// ParseLocale accepts ISO 639-1 or 639-3 language codes and ISO 3166
// alpha-2 or alpha-3 region codes.
func ParseLocale(lang, country string) (Locale, error) {
	b, err := language.ParseBase(strings.TrimSpace(lang))
	if err != nil {
		return Locale{}, err
	}
	loc := Locale{base: b}
	if c := strings.TrimSpace(country); c != "" {
		r, err := language.ParseRegion(c)
		if err != nil {
			return Locale{}, err
		}
		loc.region = r
	}
	return loc, nil
}

func (l Locale) Language() string { return l.base.String() }

func (l Locale) Country() string {
	if l.region == (language.Region{}) {
		return ""
	}
	return l.region.String()
}

// Tag returns the BCP 47 tag, e.g. fa-IR.
func (l Locale) Tag() language.Tag {
	if l.Country() == "" {
		t, _ := language.Compose(l.base)
		return t
	}
	t, _ := language.Compose(l.base, l.region)
	return t
}

// Status reports whether lang names l's language by its ISO 639-1 or
// 639-3 code, ignoring case. There is a single voice, so a match is always
// country-available whatever country is asked for.
func (l Locale) Status(lang, _ string) LanguageStatus {
	lang = strings.TrimSpace(lang)
	if strings.EqualFold(lang, l.base.String()) || strings.EqualFold(lang, l.base.ISO3()) {
		return LangCountryAvailable
	}
	return LangNotSupported
}

// dataCodes lists the locale in the host's available voice data forms:
// language, language-country and the ISO 639-3/3166 alpha-3 pair.
func (l Locale) dataCodes() []string {
	codes := []string{l.Language()}
	if l.Country() == "" {
		return codes
	}
	codes = append(codes, l.Language()+"-"+l.Country())
	if iso3 := l.region.ISO3(); iso3 != "" {
		codes = append(codes, l.base.ISO3()+"-"+iso3)
	}
	return codes
}

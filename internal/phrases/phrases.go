// Package phrases resolves localized messages for error codes.
package phrases

import (
	"strings"

	"golang.org/x/text/language"
)

// FallbackKey is used when an upstream OAuth error code has no phrase of its own.
const FallbackKey = "oidc.provider_error_fallback"

var (
	supported = []language.Tag{language.English, language.Hungarian}
	matcher   = language.NewMatcher(supported)

	tables = map[language.Tag]map[string]string{
		language.English:   english,
		language.Hungarian: hungarian,
	}
)

// Match picks the best supported language for an Accept-Language header value.
// English is returned when nothing matches.
func Match(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return language.English
	}
	return supported[index]
}

// Has reports whether key has a phrase in English, the reference table.
func Has(key string) bool {
	_, ok := english[key]
	return ok
}

// Translate returns the phrase for key in lang, falling back to English, and substitutes
// {{name}} placeholders from data. Unknown keys are returned unchanged.
func Translate(lang language.Tag, key string, data map[string]string) string {
	phrase, ok := tables[lang][key]
	if !ok {
		phrase, ok = english[key]
	}
	if !ok {
		return key
	}
	if len(data) == 0 {
		return phrase
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(phrase)
}

// Package reason normalizes free-text rejection reasons: whitespace trimming,
// length truncation, secret masking before persistence, and classification of
// the configured "no reason" keywords.
package reason

import (
	"regexp"
	"strings"
)

// DefaultMaxLength bounds a persisted reason when no limit is configured.
const DefaultMaxLength = 500

// maskMarker fully replaces short secret values and elides the middle of
// long ones.
const maskMarker = "***"

// secretPairPattern matches key=value / key: value pairs whose key belongs
// to a secret-ish vocabulary. The value (group 2) gets masked.
var secretPairPattern = regexp.MustCompile(
	`(?i)\b(token|password|passwd|secret|api[_ -]?key|apikey|authorization|access[_ -]?key|credential)\b\s*[:=]\s*(\S+)`)

// longRunPattern matches standalone hex/base64-like runs of 32+ characters,
// which are treated as likely secrets regardless of context.
var longRunPattern = regexp.MustCompile(`[A-Za-z0-9+/_-]{32,}`)

// Normalizer applies the configured reason policy. The zero value is not
// usable; construct with NewNormalizer.
type Normalizer struct {
	maxLength        int
	noReasonKeywords map[string]struct{}
}

// NewNormalizer creates a Normalizer with the given maximum reason length
// and the set of case-insensitive keywords recognized as "no reason".
func NewNormalizer(maxLength int, noReasonKeywords []string) *Normalizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	kw := make(map[string]struct{}, len(noReasonKeywords))
	for _, k := range noReasonKeywords {
		kw[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	return &Normalizer{maxLength: maxLength, noReasonKeywords: kw}
}

// Normalize trims surrounding whitespace and truncates to the configured
// maximum character count. Plain truncation, no ellipsis.
func (n *Normalizer) Normalize(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > n.maxLength {
		return string(runes[:n.maxLength])
	}
	return text
}

// IsNoReason reports whether the text is one of the configured "no reason"
// keywords. Comparison is case-insensitive and whitespace-trimmed.
func (n *Normalizer) IsNoReason(text string) bool {
	_, ok := n.noReasonKeywords[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

// Mask replaces likely secrets in text before persistence. Two patterns are
// masked: values of secret-ish key=value pairs, and standalone long
// hex/base64-like runs. Masking applies only to the persisted log line; the
// reason forwarded to the agent stays unmasked.
func Mask(text string) string {
	text = secretPairPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := secretPairPattern.FindStringSubmatch(match)
		value := sub[2]
		return match[:len(match)-len(value)] + partialMask(value)
	})
	return longRunPattern.ReplaceAllStringFunc(text, partialMask)
}

// partialMask keeps the first and last 4 characters of a value and elides
// the middle. Values of 8 characters or fewer are fully replaced.
func partialMask(value string) string {
	if len(value) <= 8 {
		return maskMarker
	}
	return value[:4] + maskMarker + value[len(value)-4:]
}

// Package filter implements the stateless Content Filter (C3): a per-chunk
// regex scan that redacts secrets and PII from sampled model output before it
// reaches the sandboxed caller.
//
// Unlike a full anonymizing proxy, this filter keeps no session state and
// consults no AI-assisted fallback: it runs once per chunk, independently of
// any other chunk, so it is safe to call concurrently and safe to call on
// partial streaming output. The cost is that a secret split across two
// adjacent stream chunks is not caught — an accepted degradation for a
// bridge whose output is re-examined by the sandboxed caller anyway.
package filter

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Kind classifies what a pattern detects.
type Kind string

// The closed set of kinds this filter recognises.
const (
	KindAPIKey Kind = "apikey"
	KindEmail  Kind = "email"
	KindPhone  Kind = "phone"
)

// Finding records one redaction made during a Scan.
type Finding struct {
	Kind    Kind
	Matched string
}

// pattern pairs a compiled regex with its kind. accept, when set, is an
// additional gate a candidate match must clear before it is redacted — used
// by the high-entropy fallback to avoid flagging ordinary long words that
// happen to match the broad candidate shape.
type pattern struct {
	re     *regexp.Regexp
	kind   Kind
	accept func(match string) bool
}

const (
	// highEntropyMinLength is the shortest candidate token the generic
	// fallback considers; shorter strings are too common to disambiguate
	// from plain text by entropy alone.
	highEntropyMinLength = 20

	// highEntropyThreshold is the minimum Shannon entropy (bits/char) a
	// candidate must clear. Prose and identifiers rarely exceed ~3.0;
	// random tokens (base62/base64-ish secrets) typically run 4.0+.
	highEntropyThreshold = 3.5
)

// isHighEntropy reports whether s looks like a random token rather than a
// natural-language word or identifier, by Shannon entropy per character.
func isHighEntropy(s string) bool {
	if len(s) < highEntropyMinLength {
		return false
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy >= highEntropyThreshold
}

// patterns is the fixed, ordered list of detectors. Order matters only in
// that earlier patterns redact first, so a later pattern never sees text
// already replaced by an earlier one. API-key detection runs in two tiers:
// known provider key prefixes (matched regardless of entropy, since a
// prefix alone is a strong enough signal — a repeated-character test key
// like "sk-AAAA..." is still a key) and a generic high-entropy fallback for
// tokens carrying no recognisable prefix.
var patterns = []pattern{
	{regexp.MustCompile(`(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([a-zA-Z0-9_\-.]{20,})`), KindAPIKey, nil},
	{regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_\-]{10,}\b`), KindAPIKey, nil},
	{regexp.MustCompile(`\bAIza[A-Za-z0-9_\-]{35}\b`), KindAPIKey, nil},
	{regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`), KindAPIKey, nil},
	{regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]+\b`), KindAPIKey, nil},
	{regexp.MustCompile(`\b[A-Za-z0-9+/_\-]{20,}\b`), KindAPIKey, isHighEntropy},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), KindEmail, nil},
	{regexp.MustCompile(`(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})\b`), KindPhone, nil},
}

// placeholder formats the redaction marker for kind, e.g. "[REDACTED:apikey]".
func placeholder(kind Kind) string {
	return fmt.Sprintf("[REDACTED:%s]", kind)
}

// Scan replaces every recognised secret or PII substring in text with a
// "[REDACTED:<kind>]" placeholder and returns the filtered text along with
// one Finding per replacement made.
//
// Scan is deterministic and idempotent: calling it again on its own output
// produces the same output unchanged, since no placeholder can match any of
// the patterns above.
func Scan(text string) (string, []Finding) {
	if text == "" {
		return text, nil
	}

	var findings []Finding
	result := text
	for _, p := range patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			if p.accept != nil && !p.accept(match) {
				return match
			}
			findings = append(findings, Finding{Kind: p.kind, Matched: match})
			return placeholder(p.kind)
		})
	}
	return result, findings
}

// HasFindings reports whether any finding of kind is present in findings.
func HasFindings(findings []Finding, kind Kind) bool {
	for _, f := range findings {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// String renders kind for logging.
func (k Kind) String() string {
	return strings.ToLower(string(k))
}

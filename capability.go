package oneapp

import (
	"fmt"
	"regexp"
)

// CapabilityClassifier decides from a User-Agent header which browser build a
// request gets. It reports false when it has no opinion.
//
// Classifiers are pure: the same header always yields the same answer. The
// decision is made once per request, so a response never mixes builds.
type CapabilityClassifier func(userAgent string) (Capability, bool)

var legacyUserAgent = regexp.MustCompile(`MSIE [0-9]|Trident/`)

// ModernBrowserClassifier treats Internet Explorer as legacy and every other
// browser as modern. It is the default.
var ModernBrowserClassifier CapabilityClassifier = func(userAgent string) (Capability, bool) {
	if legacyUserAgent.MatchString(userAgent) {
		return Legacy, true
	}
	return Modern, true
}

// AlwaysModern serves the modern build to everyone.
var AlwaysModern CapabilityClassifier = func(string) (Capability, bool) {
	return Modern, true
}

// UserAgentPattern classifies requests whose User-Agent matches pattern as
// capability c and has no opinion otherwise.
//
// Returns an error if pattern is not a valid regular expression.
func UserAgentPattern(pattern string, c Capability) (CapabilityClassifier, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid user agent pattern: %w", err)
	}
	return func(userAgent string) (Capability, bool) {
		if re.MatchString(userAgent) {
			return c, true
		}
		return Modern, false
	}, nil
}

// MustUserAgentPattern is like [UserAgentPattern] but panics on an invalid
// pattern. Intended for package-level variables.
func MustUserAgentPattern(pattern string, c Capability) CapabilityClassifier {
	cl, err := UserAgentPattern(pattern, c)
	if err != nil {
		panic(err)
	}
	return cl
}

// FirstMatch tries each classifier in order and returns the first answer.
// Requests nobody classifies are modern.
//
// Example:
//
//	classifier := oneapp.FirstMatch(
//	    oneapp.MustUserAgentPattern(`KaiOS`, oneapp.Legacy),
//	    oneapp.ModernBrowserClassifier,
//	)
func FirstMatch(classifiers ...CapabilityClassifier) CapabilityClassifier {
	return func(userAgent string) (Capability, bool) {
		for _, cl := range classifiers {
			if c, ok := cl(userAgent); ok {
				return c, true
			}
		}
		return Modern, false
	}
}

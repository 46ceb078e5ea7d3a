package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var shareCodePattern = regexp.MustCompile(`/s/([A-Za-z0-9_-]+)`)

// ExtractShareInfo parses a share reference into its share code and optional
// passcode. Accepted forms: a bare share code, a host-relative or absolute
// share URL, with the passcode in any of the usual query parameters.
func ExtractShareInfo(sourceRef string) (code, passcode string, err error) {
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return "", "", fmt.Errorf("%w: empty share reference", ErrRejected)
	}

	// A bare share code has neither scheme nor path.
	if !strings.Contains(sourceRef, "://") && !strings.Contains(sourceRef, "/") {
		return sourceRef, "", nil
	}

	candidate := sourceRef
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}

	match := shareCodePattern.FindStringSubmatch(candidate)
	if match == nil {
		return "", "", fmt.Errorf("%w: unable to parse share code from %q", ErrRejected, sourceRef)
	}

	parsed, parseErr := url.Parse(candidate)
	if parseErr != nil {
		return match[1], "", nil
	}

	query := parsed.Query()
	for _, key := range []string{"pwd", "passcode", "password", "p"} {
		if value := query.Get(key); value != "" {
			passcode = value
			break
		}
	}

	return match[1], passcode, nil
}

// NormalizeShareURL produces a canonical absolute share URL for the given
// reference, appending the passcode when one is known.
func NormalizeShareURL(sourceRef, code, passcode string) string {
	sourceRef = strings.TrimSpace(sourceRef)
	if strings.HasPrefix(sourceRef, "http://") || strings.HasPrefix(sourceRef, "https://") {
		return sourceRef
	}
	if strings.Contains(sourceRef, "/") {
		return "https://" + sourceRef
	}

	shareURL := "https://pan.quark.cn/s/" + code
	if passcode != "" {
		return shareURL + "?pwd=" + url.QueryEscape(passcode)
	}
	return shareURL
}

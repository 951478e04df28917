// Package util provides small helpers shared across the gateway packages.
package util

import "strings"

// SafeTruncate truncates a string to maxLen bytes without panicking. Used
// when logging token prefixes, where only the first few characters may be
// shown. A negative maxLen returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes,
// so endpoint values with and without a trailing slash are treated as
// equivalent.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

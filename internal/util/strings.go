package util

import "unicode/utf8"

// SafeTruncate returns at most maxLen bytes of s for logging token ids and
// response bodies. The cut never splits a UTF-8 sequence, so the result may be
// shorter than maxLen. A negative maxLen yields "".
//
//	SafeTruncate("3f9a1c0e-refresh", 8) // "3f9a1c0e"
//	SafeTruncate("hello世界", 7)         // "hello"
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

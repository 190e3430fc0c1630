package util

// TruncateRunes shortens s to at most n runes.
// Byte slicing would split multi-byte Cyrillic text mid-character.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

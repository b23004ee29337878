package remoteexec

import "strings"

// Quote wraps s in single quotes, escaping any embedded single quote, so it
// is safe to splice into a shell command line. The executor never
// interpolates a caller-supplied string into a command without passing it
// through Quote first.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes each argument and joins them with spaces.
func QuoteAll(args ...string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}

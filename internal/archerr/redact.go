package archerr

import "regexp"

// API-key shapes we refuse to let out of the process. Provider prefixes
// followed by at least 20 key characters, plus bare AWS access key ids.
var keyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-proj-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`xai-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`gsk_[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`),
}

// Redact replaces API-key-shaped substrings with [REDACTED]. Every error
// message that is logged or surfaced to a caller passes through here.
func Redact(s string) string {
	for _, p := range keyPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

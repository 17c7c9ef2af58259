package policy

import "regexp"

type redaction struct {
	re    *regexp.Regexp
	token string
}

// Applied in order: email, phone, SSN, card.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[email]"},
	{regexp.MustCompile(`(?:(?:\+1|\b1)[\s.\-]?(?:\(\d{3}\)\s?|\d{3}[\s.\-]?)|\(\d{3}\)\s?|\b\d{3}[\s.\-]?)\d{3}[\s.\-]?\d{4}\b`), "[phone]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ssn]"},
	{regexp.MustCompile(`\b(?:\d{4}[\s\-]?){3}\d{4}\b`), "[card]"},
}

// Redact masks emails, phone numbers, SSNs and card numbers. It is applied
// to every candidate before embedding or storage, whatever its tier.
func Redact(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.token)
	}
	return text
}

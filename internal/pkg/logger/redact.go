package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactIP keeps only the leading network part of an address.
// "203.0.113.7" → "203.0.x.x", "2001:db8::1" → "2001:db8:x".
func RedactIP(ip string) string {
	if ip == "" {
		return ""
	}
	if strings.Contains(ip, ".") {
		parts := strings.Split(ip, ".")
		if len(parts) == 4 {
			return parts[0] + "." + parts[1] + ".x.x"
		}
		return "x.x.x.x"
	}
	parts := strings.Split(ip, ":")
	if len(parts) >= 2 {
		return parts[0] + ":" + parts[1] + ":x"
	}
	return "x"
}

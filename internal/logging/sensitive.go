package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains attribute keys whose values are never logged.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_key":    true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"cookie":        true,
	"dsn":           true,
	"webhook_url":   true,
	"routing_key":   true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a key names a sensitive value, either exactly or
// by containing a sensitive keyword.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks value if fieldName is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// SensitivePatterns match secrets embedded in free text such as error
// messages returned by upstream systems.
var SensitivePatterns = []*regexp.Regexp{
	// key=value and key: value secrets
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	// Credentials in connection URLs
	regexp.MustCompile(`(?i)([a-z][a-z0-9+\-.]*://[^:/\s@]+):[^@\s]+@`),
	// AWS access key ids
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks secrets embedded in s.
func MaskSensitivePatterns(s string) string {
	result := s
	for i, pattern := range SensitivePatterns {
		if i == 3 {
			result = pattern.ReplaceAllString(result, "${1}:"+MaskedValue+"@")
			continue
		}
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}

// SafeLogValue returns a safe-to-log version of value based on its key.
func SafeLogValue(fieldName string, value any) any {
	if value == nil || !IsSensitiveField(fieldName) {
		return value
	}
	if v, ok := value.([]string); ok {
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	}
	return MaskedValue
}

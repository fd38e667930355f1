package logging

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RedactedPlaceholder replaces secrets in log output.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`(?i)(api_token|access_token|token|password|secret)=[^\s&;,]+`),
	regexp.MustCompile(`(?i)"(api_token|token|password|secret)"\s*:\s*"[^"]*"`),
	regexp.MustCompile(`\bhf_[A-Za-z0-9]{20,}`), // model hub tokens
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),
}

// Field names whose values are never logged.
var sensitiveFieldNames = []string{
	"API_TOKEN",
	"AUTHORIZATION",
	"TOKEN",
	"PASSWORD",
	"SECRET",
}

// RedactSensitiveData masks credentials embedded in free text such as URLs
// and upstream error bodies.
func RedactSensitiveData(s string) string {
	if s == "" {
		return s
	}
	for _, p := range sensitivePatterns {
		s = p.ReplaceAllString(s, RedactedPlaceholder)
	}
	return s
}

// IsSensitiveField reports whether a field with this name must be masked.
func IsSensitiveField(name string) bool {
	upper := strings.ToUpper(name)
	for _, n := range sensitiveFieldNames {
		if strings.Contains(upper, n) {
			return true
		}
	}
	return false
}

// redactCore masks sensitive fields and message text before they reach the
// wrapped core.
type redactCore struct {
	zapcore.Core
}

func (c redactCore) With(fields []zapcore.Field) zapcore.Core {
	return redactCore{c.Core.With(redactFields(fields))}
}

func (c redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = RedactSensitiveData(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case IsSensitiveField(f.Key):
			out[i] = zap.String(f.Key, RedactedPlaceholder)
		case f.Type == zapcore.StringType:
			f.String = RedactSensitiveData(f.String)
			out[i] = f
		case f.Type == zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				out[i] = zap.String(f.Key, RedactSensitiveData(err.Error()))
			} else {
				out[i] = f
			}
		default:
			out[i] = f
		}
	}
	return out
}

package logging

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Redacted replaces sensitive values.
const Redacted = "***"

// Redactor scrubs secrets from log output.
type Redactor struct {
	patterns []redactPattern
	keys     map[string]bool
}

type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Built-in pattern names.
const (
	PatternAPIKey      = "api_key"
	PatternBearerToken = "bearer_token"
	PatternPassword    = "password"
	PatternURLUserinfo = "url_userinfo"
	PatternSlackHook   = "slack_webhook"
)

var defaultPatterns = []redactPattern{
	{PatternAPIKey, regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`), "sk-" + Redacted},
	{PatternBearerToken, regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer " + Redacted},
	{PatternPassword, regexp.MustCompile(`(?i)(password|passwd|pwd)([=:]\s*)\S+`), "${1}${2}" + Redacted},
	{PatternURLUserinfo, regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`), "://" + Redacted + "@"},
	{PatternSlackHook, regexp.MustCompile(`hooks\.slack\.com/services/[A-Za-z0-9/]+`), "hooks.slack.com/services/" + Redacted},
}

// sensitiveKeys are field keys whose value is never logged.
var sensitiveKeys = []string{"password", "secret", "token", "authorization", "api_key", "webhook_url"}

// NewRedactor creates a redactor with the built-in patterns and keys.
// Extra keys are matched case-insensitively.
func NewRedactor(extraKeys ...string) *Redactor {
	r := &Redactor{
		patterns: defaultPatterns,
		keys:     make(map[string]bool, len(sensitiveKeys)+len(extraKeys)),
	}
	for _, k := range append(sensitiveKeys, extraKeys...) {
		r.keys[strings.ToLower(k)] = true
	}
	return r
}

// RedactString scrubs secrets from s.
func (r *Redactor) RedactString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// Fields returns fields with sensitive keys replaced and string and error
// values scrubbed. The input slice is not modified.
func (r *Redactor) Fields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case r.keys[strings.ToLower(f.Key)]:
			out[i] = zap.String(f.Key, Redacted)
		case f.Type == zapcore.StringType:
			f.String = r.RedactString(f.String)
			out[i] = f
		case f.Type == zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				out[i] = zap.String(f.Key, r.RedactString(err.Error()))
			} else {
				out[i] = f
			}
		default:
			out[i] = f
		}
	}
	return out
}

type redactingCore struct {
	zapcore.Core
	r *Redactor
}

// NewRedactingCore wraps core so that every entry passes through r.
func NewRedactingCore(core zapcore.Core, r *Redactor) zapcore.Core {
	return &redactingCore{Core: core, r: r}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.r.Fields(fields)), r: c.r}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.r.RedactString(ent.Message)
	return c.Core.Write(ent, c.r.Fields(fields))
}

// Package logging builds the zap logger used across costguard.
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Redact: true,
//	})
//
//	// Request scoped fields travel in the context.
//	ctx = logging.WithRequestID(ctx, "req-123")
//	ctx = logging.WithScope(ctx, "team-a")
//	logging.FromContext(ctx, logger).Info("evaluated")
//
// # Redaction
//
// With Redact set, string fields and messages are scrubbed of bearer
// tokens, API keys, passwords and URL credentials before they are encoded.
// Fields with sensitive keys ("password", "token", "webhook_url", ...) are
// replaced entirely.
package logging

package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureSecurityEvent reports a suspicious request that was rejected, such
// as a token with a forged signature.
func CaptureSecurityEvent(event string, fields map[string]any) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("security_event", event)
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(event)
	})
}

// Package observability reports unexpected failures. Errors are always
// logged; when a Rollbar token is configured they are also sent to Rollbar.
package observability

import (
	"log"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rollbar/rollbar-go"
	rollbarerrors "github.com/rollbar/rollbar-go/errors"

	"github.com/zhouzirui/edu-avatar/backend/internal/config"
)

var enabled atomic.Bool

// Init configures Rollbar from cfg. Without a token only logging happens.
func Init(cfg config.ObservabilityConfig) {
	if cfg.RollbarToken == "" {
		rollbar.SetEnabled(false)
		enabled.Store(false)
		return
	}

	host, _ := os.Hostname()
	rollbar.SetToken(cfg.RollbarToken)
	rollbar.SetEnvironment(cfg.Environment)
	rollbar.SetServerHost(host)
	rollbar.SetCodeVersion(cfg.Build)
	rollbar.SetStackTracer(rollbarerrors.StackTracer)
	rollbar.SetEnabled(true)
	enabled.Store(true)
	log.Printf("[observability] rollbar reporting enabled (env=%s)", cfg.Environment)
}

// Enabled reports whether errors are forwarded to Rollbar.
func Enabled() bool {
	return enabled.Load()
}

// ReportError logs err with its component tag and forwards it to Rollbar.
func ReportError(component string, err error, extras map[string]interface{}) {
	if err == nil {
		return
	}
	log.Printf("[%s] %v", component, err)
	if !enabled.Load() {
		return
	}

	fields := map[string]interface{}{"component": component}
	for k, v := range extras {
		fields[k] = v
	}
	rollbar.Error(errors.WithStack(err), fields)
}

// ReportPanic reports a recovered panic value.
func ReportPanic(component string, recovered interface{}, extras map[string]interface{}) {
	var err error
	switch v := recovered.(type) {
	case error:
		err = errors.Wrap(v, "panic")
	default:
		err = errors.Errorf("panic: %v", v)
	}
	ReportError(component, err, extras)
}

// Close flushes queued reports.
func Close() {
	if enabled.Load() {
		rollbar.Wait()
	}
}

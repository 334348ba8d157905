package telemetry

import (
	log "github.com/sirupsen/logrus"

	"github.com/HengYangDS/sage-kb-sub007/ops"
)

// mirrorToLog writes one event to logrus. Routine traffic logs at debug;
// degradation (timeouts, fallbacks, breaker opens, shed events) at warn.
func mirrorToLog(ev ops.Event) {
	var entry = log.WithFields(eventFields(ev))
	switch ev.Kind {
	case ops.LoadLayerTimeout, ops.LoadLayerFallback, ops.BreakerOpen, ops.BusDrop:
		entry.Warn(string(ev.Kind))
	case ops.CapabilityTimeout:
		entry.Warn(string(ev.Kind))
	case ops.BreakerHalfOpen, ops.BreakerClose, ops.CacheEvict:
		entry.Info(string(ev.Kind))
	default:
		entry.Debug(string(ev.Kind))
	}
}

func eventFields(ev ops.Event) log.Fields {
	var fields = log.Fields{}
	if ev.Correlation != "" {
		fields["correlation"] = ev.Correlation
	}
	if ev.Layer != "" {
		fields["layer"] = ev.Layer
	}
	if ev.File != "" {
		fields["file"] = ev.File
	}
	if ev.Scope != "" {
		fields["scope"] = ev.Scope
	}
	if ev.Status != "" {
		fields["status"] = ev.Status
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	if ev.Duration > 0 {
		fields["duration"] = ev.Duration.String()
	}
	if ev.Count != 0 {
		fields["count"] = ev.Count
	}
	return fields
}

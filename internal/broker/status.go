package broker

// Status is the broker's coarse startup/runtime health state.
type Status string

const (
	// StatusReady means all subsystems are live and the external bus
	// connection is healthy.
	StatusReady Status = "ready"
	// StatusReadyDegradedRateLimited means the broker is serving local
	// traffic (PTY spawn, in-process routing) but the external bus is
	// throttling or unreachable; outbound bridge/DM-resolution deliveries
	// whose bus send fails are reported as NoRoute (failed.no_route).
	StatusReadyDegradedRateLimited Status = "ready_degraded_rate_limited"
	// StatusFatal means the broker cannot serve any operation and should
	// be restarted.
	StatusFatal Status = "fatal"
)

// Status returns the broker's current startup/runtime state.
func (b *Broker) Status() Status {
	v := b.status.Load()
	if v == nil {
		return StatusFatal
	}
	return v.(Status)
}

func (b *Broker) setStatus(s Status) {
	b.status.Store(s)
}

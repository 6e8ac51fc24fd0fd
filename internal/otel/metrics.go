package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	RPCDuration       metric.Float64Histogram
	RunDuration       metric.Float64Histogram
	RunsTotal         metric.Int64Counter
	EventsPublished   metric.Int64Counter
	FramesDropped     metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	AuthFailures      metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
	WebhooksAccepted  metric.Int64Counter
	HooksAccepted     metric.Int64Counter
	CronFirings       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RPCDuration, err = meter.Float64Histogram("reclaw.rpc.duration",
		metric.WithDescription("RPC method handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("reclaw.run.duration",
		metric.WithDescription("Agent run duration from claim to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter("reclaw.runs",
		metric.WithDescription("Agent runs reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("reclaw.events.published",
		metric.WithDescription("Events published on the in-process bus"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesDropped, err = meter.Int64Counter("reclaw.conn.frames_dropped",
		metric.WithDescription("Outbound frames dropped by saturated connection queues"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("reclaw.conn.active",
		metric.WithDescription("Currently connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthFailures, err = meter.Int64Counter("reclaw.auth.failures",
		metric.WithDescription("Rejected connection handshakes"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("reclaw.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhooksAccepted, err = meter.Int64Counter("reclaw.webhook.accepted",
		metric.WithDescription("Channel webhook deliveries accepted for ingestion"),
	)
	if err != nil {
		return nil, err
	}

	m.HooksAccepted, err = meter.Int64Counter("reclaw.hooks.accepted",
		metric.WithDescription("Hook deliveries accepted and dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.CronFirings, err = meter.Int64Counter("reclaw.cron.firings",
		metric.WithDescription("Cron job firings"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

package metrics

import (
	"net/http"
	"time"
)

// InstrumentTransport wraps an http.RoundTripper so every outbound request
// records duration and status. The clientName parameter should be a constant
// identifier for the upstream (e.g., "solana_rpc", "pyth").
// Transport errors are recorded with status "unknown".
func InstrumentTransport(m *Metrics, clientName string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if m == nil {
		return next
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()

		resp, err := next.RoundTrip(r)

		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		m.RecordOutboundHTTP(clientName, r.Method, statusCode, time.Since(start).Seconds())

		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// Timer is a helper for timing operations.
// Usage:
//
//	defer metrics.Timer(time.Now(), func(duration float64) {
//	    m.RecordSomething(duration)
//	})()
func Timer(start time.Time, recordFunc func(float64)) func() {
	return func() {
		recordFunc(time.Since(start).Seconds())
	}
}

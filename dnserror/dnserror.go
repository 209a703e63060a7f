// Package dnserror defines the sentinel errors shared by every component
// that can fail to answer a query: callers match them with errors.Is, never
// type assertions, and wrap them with fmt.Errorf("...: %w", ...) for context.
package dnserror

import "errors"

var (
	// WontResolve means a component has quietly declined to answer a query.
	// It is never surfaced to the DNS client; the dispatcher just tries the
	// next racer.
	WontResolve = errors.New("wont resolve")

	// Timeout means a race deadline elapsed before any answer arrived.
	Timeout = errors.New("timeout")

	// ConnectionGone means the underlying transport connection is no longer
	// usable and should be retried on a different one.
	ConnectionGone = errors.New("connection gone")

	// StreamReset means the peer reset an individual HTTP/2 stream.
	StreamReset = errors.New("stream reset")

	// BadHTTP means the upstream responded with something other than a
	// clean 200 DNS-JSON body.
	BadHTTP = errors.New("bad http response")

	// Malformed means an inbound UDP datagram could not be parsed as DNS.
	Malformed = errors.New("malformed message")

	// Fatal means a startup or configuration error that should abort the
	// process rather than be retried.
	Fatal = errors.New("fatal error")
)

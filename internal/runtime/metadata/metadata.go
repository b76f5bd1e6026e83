// Package metadata holds the string headers carried alongside fan-out messages.
package metadata

// Well-known fan-out header keys.
const (
	// KeyOrigin carries the process id of the publisher so a process can
	// ignore its own publishes when the backing store echoes them back.
	KeyOrigin = "wsflow_origin"
	// KeyChannel is the fan-out channel name (`<prefix><service path>`).
	KeyChannel = "wsflow_channel"
	// KeyService is the service name the broadcast belongs to.
	KeyService = "wsflow_service"
	// KeyCodec names the envelope codec configured on the publisher.
	KeyCodec = "wsflow_codec"
	// KeyTraceID carries the broadcast span's trace id for log correlation.
	KeyTraceID = "wsflow_trace_id"
	// KeyPayload tells an envelope payload from a composed frame.
	KeyPayload = "wsflow_payload"
	// KeyTenant and KeyEvent address a composed frame.
	KeyTenant = "wsflow_tenant"
	KeyEvent  = "wsflow_event"
)

// Payload forms carried under KeyPayload.
const (
	PayloadEnvelope = "envelope"
	PayloadFrame    = "frame"
)

// Metadata represents the headers carried alongside a fan-out message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value for key, or "" when absent.
func (m Metadata) Get(key string) string {
	return m[key]
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonTransportDial             ReasonCode = "transport_dial"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportClosed           ReasonCode = "transport_closed"
	ReasonTransportNotConnected     ReasonCode = "transport_not_connected"
	ReasonTransportRetriesExhausted ReasonCode = "transport_retries_exhausted"
	ReasonNegotiationCredential     ReasonCode = "negotiation_credential"
	ReasonNegotiationPeer           ReasonCode = "negotiation_peer"
	ReasonNegotiationSDP            ReasonCode = "negotiation_sdp"
	ReasonNegotiationSignaling      ReasonCode = "negotiation_signaling"
	ReasonNegotiationCancelled      ReasonCode = "negotiation_cancelled"
	ReasonPermissionDenied          ReasonCode = "permission_denied"
	ReasonProtocolDecode            ReasonCode = "protocol_decode"
	ReasonProtocolUnknownEvent      ReasonCode = "protocol_unknown_event"
	ReasonBrokerRateLimit           ReasonCode = "broker_rate_limit"
	ReasonBrokerCircuitOpen         ReasonCode = "broker_circuit_open"
	ReasonBackendRequest            ReasonCode = "backend_request"
	ReasonSessionEnded              ReasonCode = "lifecycle_ended"
	ReasonSessionActive             ReasonCode = "session_active"
	ReasonServerError               ReasonCode = "server_error"
)

// Class groups reason codes by how callers are expected to react.
type Class string

const (
	ClassUnknown     Class = "unknown"
	ClassTransport   Class = "transport"
	ClassNegotiation Class = "negotiation"
	ClassPermission  Class = "permission"
	ClassProtocol    Class = "protocol"
	ClassBackend     Class = "backend"
	ClassLifecycle   Class = "lifecycle"
)

var reasonClasses = map[ReasonCode]Class{
	ReasonTransportDial:             ClassTransport,
	ReasonTransportSend:             ClassTransport,
	ReasonTransportClosed:           ClassTransport,
	ReasonTransportNotConnected:     ClassTransport,
	ReasonTransportRetriesExhausted: ClassTransport,
	ReasonNegotiationCredential:     ClassNegotiation,
	ReasonNegotiationPeer:           ClassNegotiation,
	ReasonNegotiationSDP:            ClassNegotiation,
	ReasonNegotiationSignaling:      ClassNegotiation,
	ReasonNegotiationCancelled:      ClassNegotiation,
	ReasonPermissionDenied:          ClassPermission,
	ReasonProtocolDecode:            ClassProtocol,
	ReasonProtocolUnknownEvent:      ClassProtocol,
	ReasonBrokerRateLimit:           ClassBackend,
	ReasonBrokerCircuitOpen:         ClassBackend,
	ReasonBackendRequest:            ClassBackend,
	ReasonServerError:               ClassBackend,
	ReasonSessionEnded:              ClassLifecycle,
	ReasonSessionActive:             ClassLifecycle,
}

// ClassOf maps a reason code to its class.
func ClassOf(reason ReasonCode) Class {
	if c, ok := reasonClasses[reason]; ok {
		return c
	}
	return ClassUnknown
}

// Fatal reports whether errors of this reason end the current attempt with no
// automatic recovery. Transport errors are retried until the policy gives up.
func Fatal(reason ReasonCode) bool {
	switch ClassOf(reason) {
	case ClassNegotiation, ClassPermission:
		return true
	case ClassTransport:
		return reason == ReasonTransportRetriesExhausted
	default:
		return false
	}
}

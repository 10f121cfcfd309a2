// Error classification and the TLS escalation ladder, spec §4.5/§7.
package engine

import (
	"io"
	"net"

	"github.com/nimbuschat/pubsocket/pkg/constants"
	pserrors "github.com/nimbuschat/pubsocket/pkg/errors"
)

// ErrorKind is one of the five engine-level error domains of spec §7.
type ErrorKind int

const (
	KindSetupFailed ErrorKind = iota
	KindTlsRejected
	KindTransportError
	KindRemoteClosed
	KindRequestWriteFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindSetupFailed:
		return "setup_failed"
	case KindTlsRejected:
		return "tls_rejected"
	case KindTransportError:
		return "transport_error"
	case KindRemoteClosed:
		return "remote_closed"
	case KindRequestWriteFailed:
		return "request_write_failed"
	default:
		return "unknown"
	}
}

// ClassifyError maps a raw transport error onto an ErrorKind, preserving
// the original domain+code where the caller supplied a structured
// *pserrors.Error (spec §4.5: "domain-preserving").
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindTransportError
	}
	if err == io.EOF || err == net.ErrClosed {
		return KindRemoteClosed
	}

	if se, ok := err.(*pserrors.Error); ok {
		switch se.Type {
		case pserrors.ErrorTypeSetupFailed:
			return KindSetupFailed
		case pserrors.ErrorTypeTLS:
			if isTLSFallbackEligible(se.Code) {
				return KindTlsRejected
			}
			return KindTransportError
		case pserrors.ErrorTypeRemoteClosed:
			return KindRemoteClosed
		}
	}

	return KindTransportError
}

// isTLSFallbackEligible reports whether code falls in the transport's
// security-domain range the escalator recognizes as a TLS rejection
// (spec §4.5: "-9818 through -9800 inclusive").
func isTLSFallbackEligible(code int) bool {
	return code >= constants.TLSErrorRangeLow && code <= constants.TLSErrorRangeHigh
}

package engine

import (
	"fmt"
	"io"
	"net"
	"testing"

	pserrors "github.com/nimbuschat/pubsocket/pkg/errors"
)

func TestClassifyErrorRemoteClosed(t *testing.T) {
	if got := ClassifyError(io.EOF); got != KindRemoteClosed {
		t.Fatalf("expected io.EOF to classify as KindRemoteClosed, got %v", got)
	}
	if got := ClassifyError(net.ErrClosed); got != KindRemoteClosed {
		t.Fatalf("expected net.ErrClosed to classify as KindRemoteClosed, got %v", got)
	}
}

func TestClassifyErrorSetupFailed(t *testing.T) {
	err := pserrors.NewSetupFailed("origin.example.com", 443, fmt.Errorf("boom"))
	if got := ClassifyError(err); got != KindSetupFailed {
		t.Fatalf("expected KindSetupFailed, got %v", got)
	}
}

func TestClassifyErrorTLSFallbackEligible(t *testing.T) {
	err := pserrors.NewTLSErrorCode("origin.example.com", 443, -9810, fmt.Errorf("handshake failure"))
	if got := ClassifyError(err); got != KindTlsRejected {
		t.Fatalf("expected KindTlsRejected for an in-range code, got %v", got)
	}
}

func TestClassifyErrorTLSOutOfRangeIsTransportError(t *testing.T) {
	err := pserrors.NewTLSErrorCode("origin.example.com", 443, -1, fmt.Errorf("handshake failure"))
	if got := ClassifyError(err); got != KindTransportError {
		t.Fatalf("expected an out-of-range TLS code to classify as KindTransportError, got %v", got)
	}
}

func TestClassifyErrorRemoteClosedStructured(t *testing.T) {
	err := pserrors.NewRemoteClosed("origin.example.com")
	if got := ClassifyError(err); got != KindRemoteClosed {
		t.Fatalf("expected KindRemoteClosed, got %v", got)
	}
}

func TestClassifyErrorDefaultsToTransportError(t *testing.T) {
	if got := ClassifyError(fmt.Errorf("some unstructured error")); got != KindTransportError {
		t.Fatalf("expected an unstructured error to classify as KindTransportError, got %v", got)
	}
}

func TestIsTLSFallbackEligibleBoundaries(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{-9819, false},
		{-9818, true},
		{-9810, true},
		{-9800, true},
		{-9799, false},
		{0, false},
	}
	for _, c := range cases {
		if got := isTLSFallbackEligible(c.code); got != c.want {
			t.Errorf("isTLSFallbackEligible(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		KindSetupFailed:        "setup_failed",
		KindTlsRejected:        "tls_rejected",
		KindTransportError:     "transport_error",
		KindRemoteClosed:       "remote_closed",
		KindRequestWriteFailed: "request_write_failed",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

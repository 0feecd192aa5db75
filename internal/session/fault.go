package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/MrWong99/bridgespeak/pkg/rtvi"
	"github.com/MrWong99/bridgespeak/pkg/transport"
)

// MaintenanceMessage is shown to the learner for every network-like failure.
const MaintenanceMessage = "Xiao Mei is taking a short break while we do some maintenance. Please try again in a few minutes."

// ErrTransportLost is wrapped by faults raised when an established transport
// went away without a disconnect request.
var ErrTransportLost = errors.New("session: transport lost")

// FaultKind classifies a connection fault.
type FaultKind string

const (
	FaultNetworkUnreachable FaultKind = "network_unreachable"
	FaultServerRejected     FaultKind = "server_rejected"
	FaultTransportLost      FaultKind = "transport_lost"
	FaultProtocol           FaultKind = "protocol_error"
	FaultUnknown            FaultKind = "unknown"
)

// Fault is a classified connection failure.
type Fault struct {
	Kind FaultKind

	// StatusCode is set for [FaultServerRejected].
	StatusCode int

	Err error
}

func (f *Fault) Error() string {
	if f.Kind == FaultServerRejected {
		return fmt.Sprintf("session: %s (status %d): %v", f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("session: %s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// UserMessage returns the text to show the learner: [MaintenanceMessage] for
// anything that looks like the server being down, the raw error otherwise.
func (f *Fault) UserMessage() string {
	if f.Kind == FaultNetworkUnreachable || looksLikeMaintenance(f.Err.Error()) {
		return MaintenanceMessage
	}
	return f.Err.Error()
}

// maintenanceHints are lower-cased substrings of errors caused by an
// unreachable or misbehaving bot server.
var maintenanceHints = []string{
	"failed to fetch",
	"network",
	transport.OfferPath,
	"404",
	"502",
	"connection refused",
	"econnrefused",
	"err_connection_refused",
}

func looksLikeMaintenance(msg string) bool {
	msg = strings.ToLower(msg)
	for _, h := range maintenanceHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

// Classify maps err to a [Fault]. It returns nil for a nil error and err
// itself when it already is a *Fault.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, ErrTransportLost) {
		return &Fault{Kind: FaultTransportLost, Err: err}
	}
	var oe *transport.OfferError
	if errors.As(err, &oe) {
		return &Fault{Kind: FaultServerRejected, StatusCode: oe.StatusCode, Err: err}
	}
	if errors.Is(err, transport.ErrProtocol) || errors.Is(err, rtvi.ErrProtocol) {
		return &Fault{Kind: FaultProtocol, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Kind: FaultUnknown, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, syscall.ECONNREFUSED) {
		return &Fault{Kind: FaultNetworkUnreachable, Err: err}
	}
	if looksLikeMaintenance(err.Error()) {
		return &Fault{Kind: FaultNetworkUnreachable, Err: err}
	}
	return &Fault{Kind: FaultUnknown, Err: err}
}

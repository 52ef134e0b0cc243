// Package provision implements the Wi-Fi provisioning protocol and the
// state machine that walks a tipping device through joining a network.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tipware/tipsetup/internal/ble"
	"github.com/tipware/tipsetup/internal/ble/wifiproto"
)

// ProtocolError is a malformed or unexpected payload from the device
// (undecodable scan result, empty network list).
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("provision: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// JoinFailure means the device reported it could not join a correctly
// submitted network. Reason is the device's status string, verbatim.
type JoinFailure struct {
	Reason string
}

func (e *JoinFailure) Error() string {
	return fmt.Sprintf("provision: device could not join network: %s", e.Reason)
}

// Session is the slice of the GATT session the protocol needs. Satisfied
// by *ble.Session and by scripted fakes in tests.
type Session interface {
	Write(role ble.CharRole, data []byte) error
	Read(role ble.CharRole) ([]byte, error)
	IsConnected() bool
	Disconnect()
}

// SettleFunc waits for the device to finish a synchronous operation that
// has no completion signal on the wire. A future firmware revision with
// notify-based signalling replaces these without touching the machine.
type SettleFunc func(ctx context.Context) error

// Settle returns a SettleFunc that sleeps for d, honouring cancellation.
func Settle(d time.Duration) SettleFunc {
	return func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// Protocol runs the request/response exchange over an established
// session. Operations are strictly sequential; no two characteristic
// operations are ever in flight at once.
type Protocol struct {
	scanSettle SettleFunc
	joinSettle SettleFunc
}

// NewProtocol builds a Protocol with the given settle strategies. The
// deployed firmware needs ~3s after a scan trigger and ~5s after a
// credential write; tests inject zero-delay strategies.
func NewProtocol(scanSettle, joinSettle SettleFunc) *Protocol {
	return &Protocol{scanSettle: scanSettle, joinSettle: joinSettle}
}

// DiscoverNetworks triggers an 802.11 scan on the device and retrieves
// the result list: write the scan token, wait out the settle interval
// (the embedded scan is synchronous and the characteristic has no "scan
// complete" signal), then read and decode.
func (p *Protocol) DiscoverNetworks(ctx context.Context, sess Session) ([]wifiproto.Network, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sess.Write(ble.CharWifiScan, []byte(wifiproto.ScanRequest)); err != nil {
		return nil, err
	}

	if err := p.scanSettle(ctx); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := sess.Read(ble.CharWifiScan)
	if err != nil {
		return nil, err
	}

	networks, err := wifiproto.DecodeNetworks(data)
	if err != nil {
		return nil, &ProtocolError{Op: "scan result", Err: err}
	}
	slog.Debug("[provision] networks discovered", "count", len(networks))
	return networks, nil
}

// SubmitCredentials writes the credentials, waits out the join settle
// interval, and polls the status characteristic once. nil means the
// device reported CONNECTED; a JoinFailure carries any other status
// verbatim. Transport errors abort the attempt; nothing here retries.
func (p *Protocol) SubmitCredentials(ctx context.Context, sess Session, creds wifiproto.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := wifiproto.EncodeCredentials(creds)
	if err != nil {
		return &ProtocolError{Op: "encode credentials", Err: err}
	}
	if err := sess.Write(ble.CharWifiConfig, payload); err != nil {
		return err
	}

	if err := p.joinSettle(ctx); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := sess.Read(ble.CharWifiStatus)
	if err != nil {
		return err
	}

	if ok, reason := wifiproto.ParseStatus(data); !ok {
		return &JoinFailure{Reason: reason}
	}
	return nil
}

// IsTransportError reports whether err is a connection-level failure as
// opposed to a protocol or join failure.
func IsTransportError(err error) bool {
	var ce *ble.ConnectError
	return errors.As(err, &ce)
}

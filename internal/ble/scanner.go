package ble

import (
	"context"
	"fmt"
	"log/slog"
)

// PickFunc presents discovered peripherals to the user and returns the
// index of the chosen one. Returning a negative index dismisses the
// chooser, which surfaces as ErrCancelled.
type PickFunc func(peripherals []Peripheral) int

// Scanner invokes the platform chooser to let the user pick exactly one
// advertising peripheral. It re-checks BLE capability on every call:
// capability can change between page load and user action, so the
// environment snapshot is advisory only.
type Scanner struct {
	adapter     Adapter
	filter      Filter
	pick        PickFunc
	supportsBLE func() bool
}

// NewScanner builds a Scanner. supportsBLE is consulted before any
// platform call; a nil func means the adapter's presence decides.
func NewScanner(adapter Adapter, filter Filter, pick PickFunc, supportsBLE func() bool) *Scanner {
	return &Scanner{
		adapter:     adapter,
		filter:      filter,
		pick:        pick,
		supportsBLE: supportsBLE,
	}
}

// Choose scans for matching peripherals and hands the result to the pick
// callback. Returns ErrUnsupported without touching the platform when BLE
// is unavailable, and ErrCancelled when the user dismisses the chooser.
func (s *Scanner) Choose(ctx context.Context) (Peripheral, error) {
	if s.supportsBLE != nil && !s.supportsBLE() {
		return Peripheral{}, ErrUnsupported
	}
	if s.adapter == nil {
		return Peripheral{}, ErrUnsupported
	}

	if err := s.adapter.Enable(); err != nil {
		return Peripheral{}, fmt.Errorf("ble: enable adapter: %w", err)
	}

	peripherals, err := s.adapter.Scan(ctx, s.filter)
	if err != nil {
		return Peripheral{}, fmt.Errorf("ble: scan: %w", err)
	}
	if len(peripherals) == 0 {
		slog.Debug("[BLE] chooser found no matching peripherals")
		return Peripheral{}, ErrCancelled
	}

	idx := s.pick(peripherals)
	if idx < 0 || idx >= len(peripherals) {
		return Peripheral{}, ErrCancelled
	}

	chosen := peripherals[idx]
	slog.Debug("[BLE] peripheral chosen", "name", chosen.DisplayName, "id", chosen.PlatformID)
	return chosen, nil
}

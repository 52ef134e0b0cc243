package provision

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tipware/tipsetup/internal/ble"
	"github.com/tipware/tipsetup/internal/notify"
)

var testPeripheral = ble.Peripheral{DisplayName: "TIPLY-0042", PlatformID: "AA:BB:CC:DD:EE:FF", RSSI: -50}

// recordingSender captures notifications dispatched on terminal states.
type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *recordingSender) Send(n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) all() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.sent...)
}

// rig wires a Machine against a scripted peripheral.
type rig struct {
	sess     *fakeSession
	machine  *Machine
	sender   *recordingSender
	mu       sync.Mutex
	events   []Event
	chooseFn func(ctx context.Context) (ble.Peripheral, error)
}

func newRig(permission notify.Permission) *rig {
	r := &rig{
		sess:   newFakeSession(),
		sender: &recordingSender{},
	}
	r.chooseFn = func(ctx context.Context) (ble.Peripheral, error) {
		return testPeripheral, nil
	}

	dispatcher := notify.NewDispatcher(true,
		func() notify.Permission { return permission },
		func() notify.Permission { return notify.PermissionGranted },
		r.sender, nil)

	r.machine = New(Config{
		Choose: func(ctx context.Context) (ble.Peripheral, error) { return r.chooseFn(ctx) },
		Connect: func(ctx context.Context, p ble.Peripheral) (Session, error) {
			return r.sess, nil
		},
		Proto:    zeroProtocol(),
		Notifier: dispatcher,
		OnEvent: func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
	})
	return r
}

func (r *rig) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.State
	}
	return out
}

// runToDiscovery drives the machine to NetworkDiscovery or fails the test.
func (r *rig) runToDiscovery(t *testing.T) {
	t.Helper()
	if err := r.machine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := r.machine.State(); got != StateNetworkDiscovery {
		t.Fatalf("state after Start = %v, want network-discovery", got)
	}
}

func TestScenarioADiscoveryOrder(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	networks := r.machine.Networks()
	if len(networks) != 2 {
		t.Fatalf("got %d networks, want 2", len(networks))
	}
	if networks[0].SSID != "CoffeeShop" || networks[0].RSSI != -40 {
		t.Errorf("networks[0] = %+v", networks[0])
	}
	if networks[1].SSID != "Guest" || networks[1].RSSI != -70 {
		t.Errorf("networks[1] = %+v", networks[1])
	}
}

func TestScenarioBHappyPath(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatalf("SelectNetwork() error = %v", err)
	}
	if err := r.machine.Submit(context.Background(), "hunter22"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if got := r.machine.State(); got != StateSucceeded {
		t.Fatalf("state = %v, want succeeded", got)
	}
	if r.sess.IsConnected() {
		t.Error("session must be closed after reaching succeeded")
	}

	sent := r.sender.all()
	if len(sent) != 1 {
		t.Fatalf("dispatched %d notifications, want exactly 1", len(sent))
	}
	if !sent[0].Success {
		t.Error("notification should carry isSuccess=true")
	}

	attempts := r.machine.Attempts()
	if len(attempts) != 1 || attempts[0].Result != ResultConnected || attempts[0].SSID != "CoffeeShop" {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestScenarioCAuthFailed(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.sess.status = "AUTH_FAILED"
	r.runToDiscovery(t)

	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatalf("SelectNetwork() error = %v", err)
	}
	err := r.machine.Submit(context.Background(), "wrongpass")
	var jf *JoinFailure
	if !errors.As(err, &jf) {
		t.Fatalf("Submit() error = %v, want *JoinFailure", err)
	}

	if got := r.machine.State(); got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
	if r.machine.FailReason() != "AUTH_FAILED" {
		t.Errorf("FailReason() = %q, want AUTH_FAILED verbatim", r.machine.FailReason())
	}

	sent := r.sender.all()
	if len(sent) != 1 {
		t.Fatalf("dispatched %d notifications, want 1 (permission already granted)", len(sent))
	}
	if sent[0].Success {
		t.Error("failure notification should carry isSuccess=false")
	}
}

func TestScenarioCAuthFailedWithoutGrant(t *testing.T) {
	r := newRig(notify.PermissionDefault)
	r.sess.status = "AUTH_FAILED"
	r.runToDiscovery(t)

	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatalf("SelectNetwork() error = %v", err)
	}
	_ = r.machine.Submit(context.Background(), "wrongpass")

	if sent := r.sender.all(); len(sent) != 0 {
		t.Errorf("dispatched %d notifications without a prior grant, want 0", len(sent))
	}
}

func TestScenarioDChooserDismissed(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	connects := 0
	r.chooseFn = func(ctx context.Context) (ble.Peripheral, error) {
		return ble.Peripheral{}, ble.ErrCancelled
	}
	r.machine.connect = func(ctx context.Context, p ble.Peripheral) (Session, error) {
		connects++
		return r.sess, nil
	}

	if err := r.machine.Start(context.Background()); err != nil {
		t.Fatalf("dismissed chooser should not error, got %v", err)
	}
	if got := r.machine.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if connects != 0 {
		t.Errorf("made %d connect attempts after dismissal, want 0", connects)
	}
	// Silent: the Idle event carries no message.
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.State == StateIdle && (ev.Message != "" || ev.Err != nil) {
			t.Errorf("dismissal produced a visible message: %+v", ev)
		}
	}
}

func TestScenarioEWriteFailsMidSubmit(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatalf("SelectNetwork() error = %v", err)
	}

	r.sess.failTransport()
	err := r.machine.Submit(context.Background(), "hunter22")
	if !IsTransportError(err) {
		t.Fatalf("Submit() error = %v, want transport error", err)
	}

	if got := r.machine.State(); got != StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
	if r.sess.IsConnected() {
		t.Error("IsConnected() should be false after the failed write")
	}
}

func TestCapabilityFailureStaysIdle(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.machine.capability = func() (bool, string) {
		return false, "use Chrome, Edge or Opera on Android or desktop"
	}

	err := r.machine.Start(context.Background())
	var ce *CapabilityError
	if !errors.As(err, &ce) {
		t.Fatalf("Start() error = %v, want *CapabilityError", err)
	}
	if got := r.machine.State(); got != StateIdle {
		t.Errorf("state = %v, want idle (no transition)", got)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 || r.events[0].Message == "" {
		t.Error("capability failure should emit the guidance message")
	}
}

func TestStartFromNonIdleRejected(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	if err := r.machine.Start(context.Background()); err == nil {
		t.Error("Start() from network-discovery should error")
	}
}

func TestConnectErrorFails(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.machine.connect = func(ctx context.Context, p ble.Peripheral) (Session, error) {
		return nil, &ble.ConnectError{Reason: ble.ReasonUnreachable, Err: errors.New("out of range")}
	}

	err := r.machine.Start(context.Background())
	if !IsTransportError(err) {
		t.Fatalf("Start() error = %v, want transport error", err)
	}
	if got := r.machine.State(); got != StateFailed {
		t.Errorf("state = %v, want failed", got)
	}
}

func TestEmptyPasswordRejectedLocally(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	if err := r.machine.SelectNetwork("Guest"); err != nil {
		t.Fatalf("SelectNetwork() error = %v", err)
	}
	if err := r.machine.Submit(context.Background(), ""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("Submit(\"\") error = %v, want ErrEmptyPassword", err)
	}
	if got := r.machine.State(); got != StateCredentialEntry {
		t.Errorf("state = %v, want credential-entry (no change)", got)
	}
	if len(r.sess.configWrites) != 0 {
		t.Error("empty password must not reach the device")
	}
}

func TestReopenNetworksUsesCachedResults(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatalf("SelectNetwork() error = %v", err)
	}
	if err := r.machine.ReopenNetworks(); err != nil {
		t.Fatalf("ReopenNetworks() error = %v", err)
	}

	if got := r.machine.State(); got != StateNetworkDiscovery {
		t.Errorf("state = %v, want network-discovery", got)
	}
	if len(r.machine.Networks()) != 2 {
		t.Error("cached networks should survive reopening")
	}
	if len(r.sess.scanWrites) != 1 {
		t.Errorf("device scanned %d times, want 1 (no automatic re-scan)", len(r.sess.scanWrites))
	}
}

func TestRescanRefreshesResults(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	r.sess.networksJSON = []byte(`[{"ssid":"NewPlace","rssi":-55,"security":"WPA3"}]`)
	if err := r.machine.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan() error = %v", err)
	}

	networks := r.machine.Networks()
	if len(networks) != 1 || networks[0].SSID != "NewPlace" {
		t.Errorf("networks after rescan = %+v", networks)
	}
	if len(r.sess.scanWrites) != 2 {
		t.Errorf("device scanned %d times, want 2", len(r.sess.scanWrites))
	}
}

func TestSelectAfterDisconnectForcesRescan(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	r.sess.Disconnect()

	if err := r.machine.SelectNetwork("CoffeeShop"); !errors.Is(err, ErrRescanRequired) {
		t.Fatalf("SelectNetwork() error = %v, want ErrRescanRequired", err)
	}
	if len(r.machine.Networks()) != 0 {
		t.Error("stale scan results should be cleared")
	}
}

func TestSelectUnknownNetworkRejected(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	if err := r.machine.SelectNetwork("NotThere"); err == nil {
		t.Error("selecting an unknown SSID should error")
	}
	if got := r.machine.State(); got != StateNetworkDiscovery {
		t.Errorf("state = %v, want network-discovery (no change)", got)
	}
}

func TestResetClearsEverything(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatalf("SelectNetwork() error = %v", err)
	}

	r.machine.Reset()

	if got := r.machine.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if r.sess.IsConnected() {
		t.Error("Reset must disconnect the open session")
	}
	if len(r.machine.Networks()) != 0 || r.machine.DeviceID() != "" || r.machine.FailReason() != "" {
		t.Error("Reset must clear all in-memory protocol state")
	}

	// The flow is restartable from scratch.
	r.sess = newFakeSession()
	r.runToDiscovery(t)
}

func TestRetryCreatesNewAttempt(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.sess.status = "AUTH_FAILED"
	r.runToDiscovery(t)
	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatal(err)
	}
	_ = r.machine.Submit(context.Background(), "wrong")

	r.machine.Reset()
	r.sess = newFakeSession()
	r.runToDiscovery(t)
	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatal(err)
	}
	if err := r.machine.Submit(context.Background(), "hunter22"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	attempts := r.machine.Attempts()
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0].ID == attempts[1].ID {
		t.Error("attempts should have distinct IDs")
	}
	if attempts[0].Result != ResultFailed || attempts[1].Result != ResultConnected {
		t.Errorf("attempt results = %v, %v", attempts[0].Result, attempts[1].Result)
	}
}

func TestDeviceIDReadOnConnect(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)

	if got := r.machine.DeviceID(); got != "tiply-0042" {
		t.Errorf("DeviceID() = %q, want tiply-0042", got)
	}
}

func TestStateTransitionSequence(t *testing.T) {
	r := newRig(notify.PermissionGranted)
	r.runToDiscovery(t)
	if err := r.machine.SelectNetwork("CoffeeShop"); err != nil {
		t.Fatal(err)
	}
	if err := r.machine.Submit(context.Background(), "hunter22"); err != nil {
		t.Fatal(err)
	}

	want := []State{StateScanning, StateConnecting, StateNetworkDiscovery, StateCredentialEntry, StateSubmitting, StateSucceeded}
	got := r.states()
	if len(got) != len(want) {
		t.Fatalf("event states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event states = %v, want %v", got, want)
		}
	}
}

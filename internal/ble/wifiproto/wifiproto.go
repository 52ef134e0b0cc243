// Package wifiproto implements the payload encoding for the Tiply Wi-Fi
// provisioning protocol. All payloads are UTF-8 text (a literal token or
// JSON), never binary-packed, to keep the device firmware simple.
package wifiproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire tokens fixed by the firmware contract.
const (
	// ScanRequest triggers an 802.11 scan when written to the scan
	// characteristic.
	ScanRequest = "SCAN"
	// StatusConnected is the exact status value signalling a successful
	// join. Any other status string is a failure reason, verbatim.
	StatusConnected = "CONNECTED"
)

// Credential size bounds. SSIDs are limited to 32 bytes by 802.11,
// passphrases to 63 bytes by WPA2.
const (
	MaxSSIDBytes     = 32
	MaxPasswordBytes = 63
)

// ErrNoNetworks means the scan result decoded to an empty list. Surfaced
// to the user as "no networks found" rather than a crash.
var ErrNoNetworks = errors.New("wifiproto: no networks found")

// Security is the advertised security mode of a network, carried verbatim
// on the wire.
type Security string

const (
	SecurityOpen    Security = "Open"
	SecurityWEP     Security = "WEP"
	SecurityWPA     Security = "WPA"
	SecurityWPA2    Security = "WPA2"
	SecurityWPA3    Security = "WPA3"
	SecurityUnknown Security = "Unknown"
)

// Network is one entry of the decoded scan result. Ephemeral: discarded
// when the user leaves network selection or requests a new scan.
type Network struct {
	SSID     string   `json:"ssid"`
	RSSI     int      `json:"rssi"`
	Security Security `json:"security"`
}

// Credentials is the payload written to the config characteristic.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// DecodeNetworks parses the scan characteristic's JSON array. Order is
// preserved as sent by the device. An empty list is ErrNoNetworks.
func DecodeNetworks(data []byte) ([]Network, error) {
	var networks []Network
	if err := json.Unmarshal(data, &networks); err != nil {
		return nil, fmt.Errorf("wifiproto: decoding scan result: %w", err)
	}
	if len(networks) == 0 {
		return nil, ErrNoNetworks
	}
	return networks, nil
}

// EncodeCredentials validates and marshals credentials for the config
// characteristic.
func EncodeCredentials(c Credentials) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("wifiproto: encoding credentials: %w", err)
	}
	return data, nil
}

// DecodeCredentials parses a credentials payload. Used by test doubles
// playing the firmware side of the protocol.
func DecodeCredentials(data []byte) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("wifiproto: decoding credentials: %w", err)
	}
	return c, nil
}

// Validate enforces the SSID and passphrase byte bounds.
func (c Credentials) Validate() error {
	if len(c.SSID) == 0 {
		return errors.New("wifiproto: ssid must not be empty")
	}
	if len(c.SSID) > MaxSSIDBytes {
		return fmt.Errorf("wifiproto: ssid exceeds %d bytes", MaxSSIDBytes)
	}
	if len(c.Password) == 0 {
		return errors.New("wifiproto: password must not be empty")
	}
	if len(c.Password) > MaxPasswordBytes {
		return fmt.Errorf("wifiproto: password exceeds %d bytes", MaxPasswordBytes)
	}
	return nil
}

// ParseStatus interprets the status characteristic's value. ok is true
// only on an exact StatusConnected match; otherwise reason carries the
// device's failure string verbatim (whitespace-trimmed).
func ParseStatus(data []byte) (ok bool, reason string) {
	status := strings.TrimSpace(string(data))
	if status == StatusConnected {
		return true, ""
	}
	return false, status
}

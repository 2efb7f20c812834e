package sqlcgen

import (
	"errors"
	"strings"
)

var ErrMachineNoAddress = errors.New("enabled machine has no ip address")

// Validate enforces that enabled machines carry a network address.
func (m Machine) Validate() error {
	if m.Enabled && strings.TrimSpace(m.IP) == "" {
		return ErrMachineNoAddress
	}
	return nil
}

// Serial returns the recorded serial number or "".
func (m Machine) Serial() string {
	if m.SerialNumber == nil {
		return ""
	}
	return *m.SerialNumber
}

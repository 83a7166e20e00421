package models

import (
	"net"
	"strconv"
)

// DeviceInfo identifies a LanSend peer on the local network.
type DeviceInfo struct {
	DeviceID    string `json:"device_id"`
	Alias       string `json:"alias"`
	DeviceModel string `json:"device_model"`
	OS          string `json:"os"`
	IPAddress   string `json:"ip_address"`
	Port        int    `json:"port"`
	UsesHTTPS   bool   `json:"uses_https"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Endpoint returns the "ip:port" form used for dialing and pinning.
func (d DeviceInfo) Endpoint() string {
	return net.JoinHostPort(d.IPAddress, strconv.Itoa(d.Port))
}

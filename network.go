package main

import (
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"time"
)

// HostNetwork is the NetworkManager for a Linux host where the OS (or its
// Wi-Fi supplicant) owns the actual radio association. Connect waits for a
// usable interface to come up; StartAccessPoint defers to the host's AP
// service and only logs the request.
type HostNetwork struct{}

// Connect waits until a non-loopback interface has an address, or the
// timeout expires. The ssid is informational here: association is the
// supplicant's job on this platform.
func (HostNetwork) Connect(ssid, password string, timeout time.Duration) error {
	if ssid == "" {
		return fmt.Errorf("no SSID configured")
	}
	deadline := time.Now().Add(timeout)
	for {
		if networkUp() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no network connectivity within %v", timeout)
		}
		time.Sleep(time.Second)
	}
}

// StartAccessPoint reports the fallback AP request. Bringing up hostapd is
// out of the beacon's hands; the provisioning UI stays reachable either
// way.
func (HostNetwork) StartAccessPoint(ssid, password string) error {
	if ssid == "" {
		ssid = DefaultAPSSID()
	}
	log.Printf("Network: access-point mode requested (ssid %q)", ssid)
	return nil
}

// DefaultAPSSID derives a provisioning SSID with a random suffix, so two
// unconfigured beacons in the same shack stay distinguishable.
func DefaultAPSSID() string {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "wspr-beacon"
	}
	return fmt.Sprintf("wspr-beacon-%02X%02X", b[0], b[1])
}

// networkUp reports whether any non-loopback interface is up with an
// address assigned.
func networkUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

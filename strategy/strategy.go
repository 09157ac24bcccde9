// Package strategy maps controller families to their protocol capabilities:
// default data port, heartbeat cadence and the validation rules for
// configuration and discovery payloads.
package strategy

import (
	"fmt"
	"net"
	"strings"
	"time"

	"epiclink/discovery"
)

// Capabilities describes how to talk to one controller family.
type Capabilities struct {
	Type              discovery.ControllerType
	Protocol          string
	DefaultPort       int
	HeartbeatInterval time.Duration
	HeartbeatMessage  string
	Operations        []string

	// Parse decodes a raw discovery response from this family into an
	// identity. The sender address fills in when the payload has no IP.
	Parse func(raw []byte, sender net.IP) (*discovery.Identity, error)
}

// parseKeyValue decodes the key=value response format every supported
// family answers scans with.
func parseKeyValue(raw []byte, sender net.IP) (*discovery.Identity, error) {
	return discovery.ParseResponse(raw, sender)
}

var epicOperations = []string{
	"READ_COILS", "READ_DISCRETE_INPUTS",
	"READ_HOLDING_REGISTERS", "READ_INPUT_REGISTERS",
	"WRITE_SINGLE_COIL", "WRITE_SINGLE_REGISTER",
	"WRITE_MULTIPLE_COILS", "WRITE_MULTIPLE_REGISTERS",
}

var snapOperations = []string{
	"READ_TABLE", "WRITE_TABLE",
	"READ_VARIABLE", "WRITE_VARIABLE",
	"EXECUTE_COMMAND", "GET_STATUS",
}

var byType = map[discovery.ControllerType]Capabilities{
	discovery.TypeEPIC4: {
		Type:              discovery.TypeEPIC4,
		Protocol:          "EPIC4/EPIC5",
		DefaultPort:       502,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatMessage:  discovery.ScanMessage,
		Operations:        epicOperations,
		Parse:             parseKeyValue,
	},
	discovery.TypeEPIC5: {
		Type:              discovery.TypeEPIC5,
		Protocol:          "EPIC4/EPIC5",
		DefaultPort:       502,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatMessage:  discovery.ScanMessage,
		Operations:        epicOperations,
		Parse:             parseKeyValue,
	},
	discovery.TypeSNAPPAC: {
		Type:              discovery.TypeSNAPPAC,
		Protocol:          "SNAP_PAC",
		DefaultPort:       2001,
		HeartbeatInterval: 3 * time.Second,
		HeartbeatMessage:  "SNAP_PING",
		Operations:        snapOperations,
		Parse:             parseKeyValue,
	},
	discovery.TypeClickPLC: {
		Type:              discovery.TypeClickPLC,
		Protocol:          "MODBUS_TCP",
		DefaultPort:       502,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatMessage:  discovery.ScanMessage,
		Operations:        epicOperations,
		Parse:             parseKeyValue,
	},
	discovery.TypeModicon: {
		Type:              discovery.TypeModicon,
		Protocol:          "MODBUS_TCP",
		DefaultPort:       502,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatMessage:  discovery.ScanMessage,
		Operations:        epicOperations,
		Parse:             parseKeyValue,
	},
	discovery.TypeCompactLogix: {
		Type:              discovery.TypeCompactLogix,
		Protocol:          "ETHERNET_IP",
		DefaultPort:       44818,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatMessage:  discovery.ScanMessage,
		Operations:        epicOperations,
		Parse:             parseKeyValue,
	},
}

// ForType returns the capabilities for a controller family. Unknown types
// have no strategy.
func ForType(t discovery.ControllerType) (Capabilities, bool) {
	c, ok := byType[t]
	return c, ok
}

// SupportedTypes returns the families a strategy exists for.
func SupportedTypes() []discovery.ControllerType {
	return []discovery.ControllerType{
		discovery.TypeEPIC4,
		discovery.TypeEPIC5,
		discovery.TypeSNAPPAC,
		discovery.TypeClickPLC,
		discovery.TypeModicon,
		discovery.TypeCompactLogix,
	}
}

// Supports reports whether the family supports a named operation.
func (c Capabilities) Supports(op string) bool {
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// ValidateTarget checks an address/port pair against the family's rules.
// The address must be a literal IPv4 address; a zero port falls back to the
// family default.
func (c Capabilities) ValidateTarget(address string, port int) error {
	if address == "" {
		return fmt.Errorf("strategy: %s target requires an address", c.Protocol)
	}
	ip := net.ParseIP(address)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("strategy: %q is not an IPv4 address", address)
	}
	if port == 0 {
		port = c.DefaultPort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("strategy: port %d out of range", port)
	}
	return nil
}

// ValidateResponse reports whether a discovery payload plausibly came from
// this controller family.
func (c Capabilities) ValidateResponse(response string) bool {
	switch c.Type {
	case discovery.TypeEPIC4, discovery.TypeEPIC5:
		return strings.Contains(response, "Protocol version") &&
			strings.Contains(response, "FB type") &&
			(strings.Contains(response, "EPIC4") || strings.Contains(response, "EPIC5"))
	case discovery.TypeSNAPPAC:
		return strings.Contains(response, "SNAP") || strings.Contains(response, "PAC")
	default:
		return discovery.LooksLikeResponse([]byte(response))
	}
}

// PortFor resolves the data port for a family, honoring an explicit override.
func PortFor(t discovery.ControllerType, override int) int {
	if override > 0 {
		return override
	}
	if c, ok := byType[t]; ok {
		return c.DefaultPort
	}
	return 502
}

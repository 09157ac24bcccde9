// Package discovery implements the UDP broadcast discovery protocol and the
// controller registry for EPIC/SNAP-class industrial controllers.
package discovery

import (
	"errors"
	"net"
	"strings"
	"time"
)

// ScanMessage is the literal broadcast request payload controllers answer to.
const ScanMessage = "Module Scan"

// DefaultPort is the UDP port used for discovery requests and responses.
const DefaultPort = 3250

// ErrParse is returned when a discovery response yields no key=value pairs.
var ErrParse = errors.New("discovery: unparseable response")

// ControllerType is the resolved device family of a discovered controller.
type ControllerType int

const (
	TypeUnknown ControllerType = iota
	TypeEPIC4
	TypeEPIC5
	TypeSNAPPAC
	TypeClickPLC
	TypeModicon
	TypeCompactLogix
)

func (t ControllerType) String() string {
	switch t {
	case TypeEPIC4:
		return "EPIC4"
	case TypeEPIC5:
		return "EPIC5"
	case TypeSNAPPAC:
		return "SNAP_PAC"
	case TypeClickPLC:
		return "CLICK_PLC"
	case TypeModicon:
		return "MODICON"
	case TypeCompactLogix:
		return "COMPACT_LOGIX"
	default:
		return "UNKNOWN"
	}
}

// DisplayName returns a human-readable name for the controller type.
func (t ControllerType) DisplayName() string {
	switch t {
	case TypeEPIC4:
		return "EPIC4 Controller"
	case TypeEPIC5:
		return "EPIC5 Controller"
	case TypeSNAPPAC:
		return "SNAP PAC"
	case TypeClickPLC:
		return "Click PLC"
	case TypeModicon:
		return "Modicon PLC"
	case TypeCompactLogix:
		return "CompactLogix"
	default:
		return "Unknown Controller"
	}
}

// ParseControllerType resolves a device-type string against the known
// substring table. No match yields TypeUnknown.
func ParseControllerType(typeStr string) ControllerType {
	t := strings.ToUpper(typeStr)

	switch {
	case strings.Contains(t, "EPIC4"):
		return TypeEPIC4
	case strings.Contains(t, "EPIC5"):
		return TypeEPIC5
	case strings.Contains(t, "SNAP"):
		return TypeSNAPPAC
	case strings.Contains(t, "CLICK"):
		return TypeClickPLC
	case strings.Contains(t, "MODICON"):
		return TypeModicon
	case strings.Contains(t, "LOGIX"):
		return TypeCompactLogix
	default:
		return TypeUnknown
	}
}

// Status is the coarse liveness state of a registry record.
type Status int

const (
	StatusOffline Status = iota
	StatusDiscovering
	StatusOnline
	StatusCommError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "Offline"
	case StatusDiscovering:
		return "Discovering"
	case StatusOnline:
		return "Online"
	case StatusCommError:
		return "CommError"
	case StatusTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Identity holds the parsed contents of one discovery response.
type Identity struct {
	ProtocolVersion   string
	TypeString        string
	Type              ControllerType
	FirmwareVersion   string
	MAC               string
	IP                string
	SubnetMask        string
	Gateway           string
	DNS1              string
	DNS2              string
	Hostname          string
	DHCPEnabled       bool
	PasswordProtected bool

	// Extra preserves unrecognized keys under normalized names so the wire
	// format stays forward-compatible.
	Extra map[string]string
}

// DisplayName returns the resolved type name, falling back to the raw type
// string for unknown devices.
func (id *Identity) DisplayName() string {
	if id.Type == TypeUnknown && id.TypeString != "" {
		return id.TypeString
	}
	return id.Type.DisplayName()
}

// normalizeKey lowercases a response key and replaces spaces with underscores.
func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), " ", "_")
}

// LooksLikeResponse reports whether a datagram resembles a controller
// discovery response. Generic UDP traffic is rejected cheaply before parsing.
func LooksLikeResponse(data []byte) bool {
	s := string(data)
	return strings.Contains(s, "Protocol version") && strings.Contains(s, "FB type")
}

// ParseResponse parses a semicolon-delimited key=value discovery response:
//
//	Protocol version = 1.00;FB type = EPIC4;Module version = 1.99;MAC = ...;IP = ...;
//
// A missing IP field falls back to the sender address. Returns ErrParse when
// the payload contains no key=value pairs at all.
func ParseResponse(raw []byte, sender net.IP) (*Identity, error) {
	pairs := strings.Split(string(raw), ";")

	id := &Identity{Extra: make(map[string]string)}
	parsed := 0

	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		parsed++

		switch key {
		case "Protocol version":
			id.ProtocolVersion = value
		case "FB type":
			id.TypeString = value
			id.Type = ParseControllerType(value)
		case "Module version":
			id.FirmwareVersion = value
		case "MAC":
			id.MAC = value
		case "IP":
			id.IP = value
		case "SN":
			// Subnet mask despite the name
			id.SubnetMask = value
		case "GW":
			id.Gateway = value
		case "DHCP":
			id.DHCPEnabled = strings.EqualFold(value, "ON")
		case "PSWD":
			id.PasswordProtected = strings.EqualFold(value, "ON")
		case "HN":
			id.Hostname = value
		case "DNS1":
			id.DNS1 = value
		case "DNS2":
			id.DNS2 = value
		default:
			id.Extra[normalizeKey(key)] = value
		}
	}

	if parsed == 0 {
		return nil, ErrParse
	}

	if id.IP == "" && sender != nil {
		id.IP = sender.String()
	}

	return id, nil
}

// Record is the stored identity and status for one discovered controller.
// Records are owned by the Registry; callers receive copies.
type Record struct {
	Identity Identity
	Status   Status
	// SignalStrength is a fixed placeholder, not a measured quantity.
	SignalStrength int
	FirstSeen      time.Time
	LastSeen       time.Time
}

// Key returns the registry key for the record: IP when present, else MAC.
func (r *Record) Key() string {
	if r.Identity.IP != "" {
		return r.Identity.IP
	}
	return r.Identity.MAC
}

// Online reports whether the record is currently marked Online.
func (r *Record) Online() bool {
	return r.Status == StatusOnline
}

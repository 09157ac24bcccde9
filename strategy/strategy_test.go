package strategy

import (
	"testing"

	"epiclink/discovery"
)

func TestDefaultPorts(t *testing.T) {
	cases := []struct {
		typ  discovery.ControllerType
		port int
	}{
		{discovery.TypeEPIC4, 502},
		{discovery.TypeEPIC5, 502},
		{discovery.TypeSNAPPAC, 2001},
		{discovery.TypeClickPLC, 502},
		{discovery.TypeModicon, 502},
		{discovery.TypeCompactLogix, 44818},
	}
	for _, tc := range cases {
		c, ok := ForType(tc.typ)
		if !ok {
			t.Errorf("no strategy for %s", tc.typ)
			continue
		}
		if c.DefaultPort != tc.port {
			t.Errorf("%s default port = %d, want %d", tc.typ, c.DefaultPort, tc.port)
		}
	}

	if _, ok := ForType(discovery.TypeUnknown); ok {
		t.Error("unknown type must have no strategy")
	}
}

func TestPortForOverride(t *testing.T) {
	if got := PortFor(discovery.TypeSNAPPAC, 0); got != 2001 {
		t.Errorf("PortFor(SNAP, 0) = %d, want 2001", got)
	}
	if got := PortFor(discovery.TypeSNAPPAC, 1502); got != 1502 {
		t.Errorf("PortFor(SNAP, 1502) = %d, want 1502", got)
	}
	if got := PortFor(discovery.TypeUnknown, 0); got != 502 {
		t.Errorf("PortFor(Unknown, 0) = %d, want 502", got)
	}
}

func TestValidateTarget(t *testing.T) {
	c, _ := ForType(discovery.TypeEPIC4)

	if err := c.ValidateTarget("192.168.1.50", 502); err != nil {
		t.Errorf("valid target rejected: %v", err)
	}
	if err := c.ValidateTarget("192.168.1.50", 0); err != nil {
		t.Errorf("default port fallback rejected: %v", err)
	}
	if err := c.ValidateTarget("", 502); err == nil {
		t.Error("empty address accepted")
	}
	if err := c.ValidateTarget("not-an-ip", 502); err == nil {
		t.Error("hostname accepted where IPv4 required")
	}
	if err := c.ValidateTarget("fe80::1", 502); err == nil {
		t.Error("IPv6 address accepted where IPv4 required")
	}
	if err := c.ValidateTarget("192.168.1.50", 70000); err == nil {
		t.Error("out-of-range port accepted")
	}
}

func TestValidateResponse(t *testing.T) {
	epic, _ := ForType(discovery.TypeEPIC4)
	snap, _ := ForType(discovery.TypeSNAPPAC)

	epicResp := "Protocol version = 1.00;FB type = EPIC4;MAC = 00:11:22:33:44:55;"
	if !epic.ValidateResponse(epicResp) {
		t.Error("EPIC strategy rejected its own response")
	}
	if !snap.ValidateResponse("SNAP-PAC-R1 status") {
		t.Error("SNAP strategy rejected SNAP response")
	}
	if epic.ValidateResponse("SNAP-PAC-R1 status") {
		t.Error("EPIC strategy accepted SNAP response")
	}
	if snap.ValidateResponse("hello world") {
		t.Error("SNAP strategy accepted junk")
	}
}

func TestParseDecodesFamilyResponse(t *testing.T) {
	for _, typ := range SupportedTypes() {
		c, ok := ForType(typ)
		if !ok {
			t.Fatalf("no strategy for %s", typ)
		}
		if c.Parse == nil {
			t.Errorf("%s has no parser", typ)
		}
	}

	epic, _ := ForType(discovery.TypeEPIC4)
	raw := []byte("Protocol version = 1.00;FB type = EPIC4;MAC = 00:11:22:33:44:55;IP = 192.168.1.50;HN = press1;")

	id, err := epic.Parse(raw, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Type != discovery.TypeEPIC4 {
		t.Errorf("type = %v, want EPIC4", id.Type)
	}
	if id.IP != "192.168.1.50" || id.Hostname != "press1" {
		t.Errorf("identity = %+v", id)
	}

	if _, err := epic.Parse([]byte("hello world"), nil); err == nil {
		t.Error("junk accepted by parser")
	}
}

func TestSupports(t *testing.T) {
	epic, _ := ForType(discovery.TypeEPIC4)
	snap, _ := ForType(discovery.TypeSNAPPAC)

	if !epic.Supports("WRITE_SINGLE_REGISTER") {
		t.Error("EPIC must support WRITE_SINGLE_REGISTER")
	}
	if epic.Supports("READ_TABLE") {
		t.Error("EPIC must not support READ_TABLE")
	}
	if !snap.Supports("READ_TABLE") {
		t.Error("SNAP must support READ_TABLE")
	}
}

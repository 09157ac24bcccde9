package discovery

import (
	"net"
	"testing"
)

const epic4Response = "Protocol version = 1.00;FB type = EPIC4;Module version = 1.99;" +
	"MAC = 00:11:22:33:44:55;IP = 192.168.1.50;SN = 255.255.255.0;GW = 192.168.1.1;" +
	"DHCP = ON;PSWD = OFF;HN = press1;DNS1 = 8.8.8.8;DNS2 = 8.8.4.4;"

func TestParseResponseFullEPIC4(t *testing.T) {
	id, err := ParseResponse([]byte(epic4Response), nil)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}

	if id.ProtocolVersion != "1.00" {
		t.Errorf("ProtocolVersion = %q", id.ProtocolVersion)
	}
	if id.Type != TypeEPIC4 {
		t.Errorf("Type = %v, want TypeEPIC4", id.Type)
	}
	if id.TypeString != "EPIC4" {
		t.Errorf("TypeString = %q", id.TypeString)
	}
	if id.FirmwareVersion != "1.99" {
		t.Errorf("FirmwareVersion = %q", id.FirmwareVersion)
	}
	if id.MAC != "00:11:22:33:44:55" {
		t.Errorf("MAC = %q", id.MAC)
	}
	if id.IP != "192.168.1.50" {
		t.Errorf("IP = %q", id.IP)
	}
	if id.SubnetMask != "255.255.255.0" {
		t.Errorf("SubnetMask = %q", id.SubnetMask)
	}
	if id.Gateway != "192.168.1.1" {
		t.Errorf("Gateway = %q", id.Gateway)
	}
	if !id.DHCPEnabled {
		t.Error("DHCPEnabled = false, want true")
	}
	if id.PasswordProtected {
		t.Error("PasswordProtected = true, want false")
	}
	if id.Hostname != "press1" {
		t.Errorf("Hostname = %q", id.Hostname)
	}
	if id.DNS1 != "8.8.8.8" || id.DNS2 != "8.8.4.4" {
		t.Errorf("DNS = %q / %q", id.DNS1, id.DNS2)
	}
}

func TestParseResponseUnknownKeysGoToExtra(t *testing.T) {
	raw := []byte("FB type = EPIC5;IP = 10.0.0.5;Boot Loader = 2.1;SERIAL NUM = A1234;")
	id, err := ParseResponse(raw, nil)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}

	if id.Extra["boot_loader"] != "2.1" {
		t.Errorf("Extra[boot_loader] = %q", id.Extra["boot_loader"])
	}
	if id.Extra["serial_num"] != "A1234" {
		t.Errorf("Extra[serial_num] = %q", id.Extra["serial_num"])
	}
}

func TestParseResponseIPFallsBackToSender(t *testing.T) {
	raw := []byte("Protocol version = 1.00;FB type = EPIC4;MAC = 00:11:22:33:44:55;")
	id, err := ParseResponse(raw, net.ParseIP("192.168.1.77"))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if id.IP != "192.168.1.77" {
		t.Errorf("IP = %q, want sender fallback 192.168.1.77", id.IP)
	}

	// Explicit IP wins over the sender.
	id, err = ParseResponse([]byte(epic4Response), net.ParseIP("192.168.1.77"))
	if err != nil {
		t.Fatal(err)
	}
	if id.IP != "192.168.1.50" {
		t.Errorf("IP = %q, want payload value", id.IP)
	}
}

func TestParseResponseRejectsJunk(t *testing.T) {
	for _, raw := range []string{"", "not a response", ";;;", " = ;"} {
		if _, err := ParseResponse([]byte(raw), nil); err != ErrParse {
			t.Errorf("ParseResponse(%q) err = %v, want ErrParse", raw, err)
		}
	}
}

func TestParseResponseToleratesMalformedPairs(t *testing.T) {
	// Pairs without '=' or with empty halves are skipped, the rest parses.
	raw := []byte("garbage;FB type = EPIC4; = orphan;IP = 10.1.1.1;empty = ;")
	id, err := ParseResponse(raw, nil)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if id.Type != TypeEPIC4 || id.IP != "10.1.1.1" {
		t.Errorf("parsed type=%v ip=%q", id.Type, id.IP)
	}
}

func TestLooksLikeResponse(t *testing.T) {
	if !LooksLikeResponse([]byte(epic4Response)) {
		t.Error("real response rejected")
	}
	if LooksLikeResponse([]byte("Module Scan")) {
		t.Error("our own scan request accepted")
	}
	if LooksLikeResponse([]byte("Protocol version = 1.00;")) {
		t.Error("response without FB type accepted")
	}
}

func TestParseControllerType(t *testing.T) {
	tests := []struct {
		in   string
		want ControllerType
	}{
		{"EPIC4", TypeEPIC4},
		{"epic4-rev2", TypeEPIC4},
		{"EPIC5", TypeEPIC5},
		{"SNAP-PAC-R1", TypeSNAPPAC},
		{"Click C0-10DD1E", TypeClickPLC},
		{"Modicon M221", TypeModicon},
		{"CompactLogix 5380", TypeCompactLogix},
		{"1769-L33ER LOGIX5333ER", TypeCompactLogix},
		{"S7-1200", TypeUnknown},
		{"", TypeUnknown},
	}
	for _, tt := range tests {
		if got := ParseControllerType(tt.in); got != tt.want {
			t.Errorf("ParseControllerType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRecordKey(t *testing.T) {
	rec := Record{Identity: Identity{IP: "10.0.0.1", MAC: "aa:bb"}}
	if rec.Key() != "10.0.0.1" {
		t.Errorf("Key = %q, want IP", rec.Key())
	}

	rec.Identity.IP = ""
	if rec.Key() != "aa:bb" {
		t.Errorf("Key = %q, want MAC fallback", rec.Key())
	}
}

func TestDisplayNameFallsBackToRawType(t *testing.T) {
	id := Identity{Type: TypeUnknown, TypeString: "MysteryBox 9000"}
	if id.DisplayName() != "MysteryBox 9000" {
		t.Errorf("DisplayName = %q", id.DisplayName())
	}

	id = Identity{Type: TypeEPIC4}
	if id.DisplayName() != "EPIC4 Controller" {
		t.Errorf("DisplayName = %q", id.DisplayName())
	}
}

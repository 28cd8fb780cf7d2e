package driver

import "testing"

func TestCtlCodeFormula(t *testing.T) {
	// (FILE_DEVICE_UNKNOWN<<16)|((FILE_READ_DATA|FILE_WRITE_DATA)<<14)|(function<<2)|METHOD_BUFFERED
	want := uint32(0x00220000) | (uint32(0x0003) << 14) | (uint32(0x801) << 2)
	got := ctlCode(0x801)
	if got != want {
		t.Fatalf("ctlCode(0x801) = %#x, want %#x", got, want)
	}
}

func TestIoctlCodesAreDistinct(t *testing.T) {
	codes := map[uint32]string{
		SendURB:         "SendURB",
		SetConfig:       "SetConfig",
		SelectInterface: "SelectInterface",
		ClearEndpoint:   "ClearEndpoint",
		AbortEndpoint:   "AbortEndpoint",
	}
	if len(codes) != 5 {
		t.Fatalf("expected 5 distinct ioctl codes, got %d", len(codes))
	}
}

func TestRequestMarshal(t *testing.T) {
	if got := (SetConfigRequest{ConfigurationValue: 7}).Marshal(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("SetConfigRequest.Marshal() = %v", got)
	}
	if got := (SelectInterfaceRequest{Interface: 1, AltSetting: 2}).Marshal(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("SelectInterfaceRequest.Marshal() = %v", got)
	}
	if got := (ClearEndpointRequest{Endpoint: 0x81}).Marshal(); len(got) != 1 || got[0] != 0x81 {
		t.Fatalf("ClearEndpointRequest.Marshal() = %v", got)
	}
	if got := (AbortEndpointRequest{Endpoint: 0x02}).Marshal(); len(got) != 1 || got[0] != 0x02 {
		t.Fatalf("AbortEndpointRequest.Marshal() = %v", got)
	}
}

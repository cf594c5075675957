package transport

import "testing"

func TestParseBusAddressTCP(t *testing.T) {
	addr, err := ParseBusAddress("tcp:addr=10.0.0.1,port=9955")
	if err != nil {
		t.Fatalf("ParseBusAddress: %v", err)
	}
	if addr.Kind != "tcp" || addr.Params["addr"] != "10.0.0.1" || addr.Params["port"] != "9955" {
		t.Fatalf("unexpected parse: %+v", addr)
	}
	target, err := addr.DialTarget()
	if err != nil || target != "10.0.0.1:9955" {
		t.Fatalf("DialTarget = %q, %v", target, err)
	}
}

func TestParseBusAddressUnix(t *testing.T) {
	addr, err := ParseBusAddress("unix:path=/run/ajbusd/bus")
	if err != nil {
		t.Fatalf("ParseBusAddress: %v", err)
	}
	target, err := addr.DialTarget()
	if err != nil || target != "/run/ajbusd/bus" {
		t.Fatalf("DialTarget = %q, %v", target, err)
	}
}

func TestSplitBusAddressesFallbackList(t *testing.T) {
	addrs, err := SplitBusAddresses("tcp:addr=10.0.0.1,port=1;tcp:addr=10.0.0.2,port=2")
	if err != nil {
		t.Fatalf("SplitBusAddresses: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(addrs))
	}
}

func TestParseBusAddressMalformed(t *testing.T) {
	if _, err := ParseBusAddress("not-an-address"); err == nil {
		t.Fatal("expected an error for an address with no colon")
	}
	if _, err := ParseBusAddress("tcp:addr"); err == nil {
		t.Fatal("expected an error for a param with no '='")
	}
}

func TestDialTargetMissingRequiredParam(t *testing.T) {
	addr := BusAddress{Kind: "tcp", Params: map[string]string{"addr": "127.0.0.1"}}
	if _, err := addr.DialTarget(); err == nil {
		t.Fatal("expected an error for a tcp address with no port")
	}
}

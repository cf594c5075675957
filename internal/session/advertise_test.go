package session

import (
	"testing"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
)

func TestAdvertiseRegistryFindAndCancel(t *testing.T) {
	r := NewAdvertiseRegistry()
	defer r.Stop()

	r.Advertise("org.acme.Svc", 1, ajtypes.TransportTCP, false)

	adv, ok := r.Find("org.acme.Svc")
	if !ok || adv.Owner != 1 {
		t.Fatalf("Find = %v, %v", adv, ok)
	}

	if err := r.Cancel("org.acme.Svc", 2); err == nil {
		t.Fatal("expected Cancel by a non-owner to fail")
	}
	if err := r.Cancel("org.acme.Svc", 1); err != nil {
		t.Fatalf("Cancel by owner: %v", err)
	}

	if _, ok := r.Find("org.acme.Svc"); ok {
		t.Fatal("expected advertisement to be gone after Cancel")
	}
}

func TestAdvertiseRegistryCancelAllForOwner(t *testing.T) {
	r := NewAdvertiseRegistry()
	defer r.Stop()

	r.Advertise("org.acme.A", 1, ajtypes.TransportTCP, false)
	r.Advertise("org.acme.B", 1, ajtypes.TransportTCP, false)
	r.Advertise("org.acme.C", 2, ajtypes.TransportTCP, false)

	r.CancelAllForOwner(1)

	if _, ok := r.Find("org.acme.A"); ok {
		t.Fatal("org.acme.A should be gone")
	}
	if _, ok := r.Find("org.acme.B"); ok {
		t.Fatal("org.acme.B should be gone")
	}
	if _, ok := r.Find("org.acme.C"); !ok {
		t.Fatal("org.acme.C should remain")
	}
}

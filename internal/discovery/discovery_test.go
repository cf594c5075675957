package discovery

import "testing"

func newTestService(t *testing.T) *Service {
	t.Helper()
	var found []Found
	s, err := New(Config{Group: "224.0.0.113:0"}, "local-guid", func(f []Found) {
		found = append(found, f...)
	}, nil, nil)
	if err != nil {
		t.Skipf("multicast join unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHandleIsAtIgnoresOwnGUID(t *testing.T) {
	s := newTestService(t)
	var gotFound bool
	s.onFound = func(f []Found) { gotFound = true }

	s.handleIsAt("local-guid", "tcp:addr=1.2.3.4,port=1", "tcp", "org.acme.Svc")
	if gotFound {
		t.Fatal("expected own guid's IS-AT to be ignored")
	}
}

func TestHandleIsAtMatchesActiveFindPrefix(t *testing.T) {
	s := newTestService(t)
	s.Find("org.acme")

	var got []Found
	s.onFound = func(f []Found) { got = append(got, f...) }

	s.handleIsAt("remote-guid", "tcp:addr=1.2.3.4,port=1", "tcp", "org.acme.Svc,org.other.Svc")
	if len(got) != 1 || got[0].Name != "org.acme.Svc" {
		t.Fatalf("unexpected found set: %v", got)
	}
}

func TestFindAndCancelFindTrackMembership(t *testing.T) {
	s := newTestService(t)
	s.Find("org.acme")
	s.Find("org.other")
	s.CancelFind("org.acme")

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.finding) != 1 || s.finding[0] != "org.other" {
		t.Fatalf("unexpected finding list: %v", s.finding)
	}
}

func TestAdvertiseAndCancelAdvertise(t *testing.T) {
	s := newTestService(t)
	s.Advertise("org.acme.Svc", "tcp:addr=1.2.3.4,port=1", 0)

	s.mu.Lock()
	_, ok := s.advertising["org.acme.Svc"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("expected org.acme.Svc to be registered as advertising")
	}

	s.CancelAdvertise("org.acme.Svc")
	s.mu.Lock()
	_, ok = s.advertising["org.acme.Svc"]
	s.mu.Unlock()
	if ok {
		t.Fatal("expected org.acme.Svc to be removed after CancelAdvertise")
	}
}

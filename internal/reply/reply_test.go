package reply

import "testing"

func TestParseRedirectMoved(t *testing.T) {
	r, ok := ParseRedirect("MOVED 5 10.0.0.2:6379")
	if !ok {
		t.Fatal("expected ok")
	}
	if r.Ask || r.Slot != 5 || r.Addr != "10.0.0.2:6379" {
		t.Fatalf("unexpected redirect: %+v", r)
	}
}

func TestParseRedirectAsk(t *testing.T) {
	r, ok := ParseRedirect("ASK 100 127.0.0.1:7000")
	if !ok || !r.Ask || r.Slot != 100 || r.Addr != "127.0.0.1:7000" {
		t.Fatalf("unexpected redirect: %+v ok=%v", r, ok)
	}
}

func TestParseRedirectIPv6(t *testing.T) {
	r, ok := ParseRedirect("MOVED 12 [::1]:6379")
	if !ok || r.Addr != "[::1]:6379" {
		t.Fatalf("unexpected redirect: %+v ok=%v", r, ok)
	}
}

func TestParseRedirectNonRedirect(t *testing.T) {
	if _, ok := ParseRedirect("ERR wrong number of arguments"); ok {
		t.Fatal("expected not a redirect")
	}
}

func TestIsNonClusterError(t *testing.T) {
	if !IsNonClusterError("ERR This instance has cluster support disabled") {
		t.Fatal("expected non-cluster error to be recognized")
	}
	if IsNonClusterError("MOVED 5 10.0.0.2:6379") {
		t.Fatal("MOVED must not be classified as non-cluster")
	}
}

func TestIsReadonlyReplicaError(t *testing.T) {
	if !IsReadonlyReplicaError("READONLY You can't write against a read only replica.") {
		t.Fatal("expected readonly error recognized")
	}
}

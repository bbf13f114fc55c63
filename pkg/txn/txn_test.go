package txn

import "testing"

func TestParseProtocol(t *testing.T) {
	cases := []struct {
		in      string
		want    Protocol
		wantErr bool
	}{
		{"", TwoPC, false},
		{"2PC", TwoPC, false},
		{"2pc", TwoPC, false},
		{"  3pc  ", ThreePC, false},
		{"3PC", ThreePC, false},
		{"paxos", "", true},
	}

	for _, c := range cases {
		got, err := ParseProtocol(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseProtocol(%q): expected error, got %v", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseProtocol(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseProtocol(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestOperationValid(t *testing.T) {
	if !(Operation{Type: "SET", Key: "a", Value: "1"}).Valid() {
		t.Error("SET should be valid")
	}
	if !(Operation{Type: "set"}).Valid() {
		t.Error("Valid should be case-insensitive")
	}
	if (Operation{Type: "DELETE"}).Valid() {
		t.Error("DELETE should not be valid (only SET is modeled today)")
	}
	if (Operation{}).Valid() {
		t.Error("zero-value operation should not be valid")
	}
}

func TestOperationApply(t *testing.T) {
	kv := map[string]string{"existing": "old"}
	op := Operation{Type: "SET", Key: "existing", Value: "new"}
	op.Apply(kv)
	if kv["existing"] != "new" {
		t.Errorf("expected existing=new, got %q", kv["existing"])
	}

	bad := Operation{Type: "NOOP", Key: "x", Value: "y"}
	bad.Apply(kv)
	if _, ok := kv["x"]; ok {
		t.Error("invalid operation must not mutate kv")
	}
}

func TestOperationMarshalRoundTrip(t *testing.T) {
	op := Operation{Type: "SET", Key: "k", Value: "v"}
	s, err := op.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}

	got, err := ParseOperation(s)
	if err != nil {
		t.Fatalf("ParseOperation: %v", err)
	}
	if got != op {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, op)
	}
}

func TestParseOperationMalformed(t *testing.T) {
	if _, err := ParseOperation("not json"); err == nil {
		t.Error("expected error parsing malformed operation JSON")
	}
}

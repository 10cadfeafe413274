package pool

import "testing"

func TestTxStateString(t *testing.T) {
	tests := []struct {
		state TxState
		want  string
	}{
		{TxIdle, "idle"},
		{TxActive, "in-transaction"},
		{TxInError, "error"},
		{TxUnknown, "unknown"},
		{TxState(42), "TxState(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("TxState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestValidKey(t *testing.T) {
	type pair struct{ a, b int }

	valid := []Key{nil, "x", 7, SeqKey(1), pair{1, 2}}
	for _, k := range valid {
		if !validKey(k) {
			t.Errorf("validKey(%#v) = false, want true", k)
		}
	}

	invalid := []Key{[]byte("x"), map[string]int{}, func() {}}
	for _, k := range invalid {
		if validKey(k) {
			t.Errorf("validKey(%T) = true, want false", k)
		}
	}
}

func TestSeqKeyString(t *testing.T) {
	if got := SeqKey(12).String(); got != "seq-12" {
		t.Errorf("SeqKey(12).String() = %q", got)
	}
}

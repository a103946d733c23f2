package testutil

import "testing"

func FuzzSandboxReadWrite(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		sb := NewSandbox(t)
		sb.WriteFile(t, "fuzz", data)
		if out := sb.ReadFile(t, "fuzz"); string(out) != string(data) {
			t.Fatalf("mismatch: got %q want %q", out, data)
		}
	})
}

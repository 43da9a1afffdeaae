package main

import (
	"fmt"
	"testing"
)

func TestLogBufferKeepsLastLines(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(lb, "line %d\n", i)
	}
	fmt.Fprint(lb, "a\nb\n")

	got := lb.GetLogs()
	want := []string{"line 4", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("logs = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("logs = %q, want %q", got, want)
		}
	}
}

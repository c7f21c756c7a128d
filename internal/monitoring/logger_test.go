package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	t.Cleanup(func() { Logf = orig })

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("marker %d lost", 7)
	if got != "marker 7 lost" {
		t.Errorf("Logf wrote %q, want %q", got, "marker 7 lost")
	}

	SetLogger(nil)
	Logf("should be dropped")
	if got != "marker 7 lost" {
		t.Errorf("nil logger should discard output, got %q", got)
	}
}

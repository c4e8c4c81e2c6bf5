package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("[serial] opened %s", "/dev/ttyUSB0")
	if got != "[serial] opened /dev/ttyUSB0" {
		t.Errorf("logged %q", got)
	}

	got = ""
	SetLogger(nil)
	Logf("[serial] muted")
	if got != "" {
		t.Errorf("no-op logger forwarded %q", got)
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
}

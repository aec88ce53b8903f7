package logflags

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.TraceLevel, level)
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger(t *testing.T) {
	for _, tc := range []struct {
		flag     bool
		expected logrus.Level
	}{
		{false, logrus.ErrorLevel},
		{true, logrus.DebugLevel},
	} {
		actual := makeFlaggableLogger(tc.flag, Fields{"foo": "bar"})
		actualEntry, expectedType := actual.(*logrusLogger)
		if !expectedType {
			t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrus.Entry)(nil)), reflect.TypeOf(actualEntry))
		}
		if actualEntry.Entry.Logger.Level != tc.expected {
			t.Fatalf("expected actualEntry.Entry.Logger.Level to be <%v>; but was <%v>", tc.expected, actualEntry.Logger.Level)
		}
		if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
			t.Fatalf("expected actualEntry.Entry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
		}
	}
}

func TestMakeLogger_usingDefaultBehavior(t *testing.T) {
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	actual := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"})

	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrus.Entry)(nil)), reflect.TypeOf(actualEntry))
	}
	if actualEntry.Entry.Logger.Out != logOut {
		t.Fatalf("expected actualEntry.Entry.Logger.Out to be <%v>; but was <%v>", logOut, actualEntry.Logger.Out)
	}
	if actualEntry.Entry.Logger.Formatter != textFormatterInstance {
		t.Fatalf("expected actualEntry.Entry.Logger.Formatter to be <%v>; but was <%v>", textFormatterInstance, actualEntry.Logger.Formatter)
	}
}

func TestTextFormatter(t *testing.T) {
	out := &bufferWriter{}
	logOut = out
	defer func() {
		logOut = nil
	}()

	makeFlaggableLogger(true, Fields{"layer": "scan"}).WithField("mode", "xor1").Debugf("hits=%d", 3)
	line := out.String()
	for _, s := range []string{" debug scan ", " mode=xor1 ", "hits=3\n"} {
		if !strings.Contains(line, s) {
			t.Fatalf("expected %q in log line %q", s, line)
		}
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		scanner, carver, capture, minidump, layout = false, false, false, false, false
	}()

	if err := Setup(false, "scan", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog; but was %v", err)
	}
	if err := Setup(true, "", ""); err != nil || !Scanner() || Carver() {
		t.Fatalf("expected only the scanner to log by default (%v)", err)
	}
	if err := Setup(true, "carve, minidump,layout", ""); err != nil {
		t.Fatal(err)
	}
	if !Carver() || !Minidump() || !Layout() || Capture() {
		t.Fatalf("unexpected flags carve=%v minidump=%v layout=%v capture=%v", Carver(), Minidump(), Layout(), Capture())
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

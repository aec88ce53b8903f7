package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var scanner = false
var carver = false
var capture = false
var minidump = false
var layout = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Scanner returns true if the candidate scanner should log.
func Scanner() bool {
	return scanner
}

// ScannerLogger returns a logger for the candidate scanner.
func ScannerLogger() Logger {
	return makeFlaggableLogger(scanner, Fields{"layer": "scan"})
}

// Carver returns true if carving and output writes should be logged.
func Carver() bool {
	return carver
}

// CarverLogger returns a logger for the carver.
func CarverLogger() Logger {
	return makeFlaggableLogger(carver, Fields{"layer": "carve"})
}

// Capture returns true if acquiring image buffers should be logged.
func Capture() bool {
	return capture
}

// CaptureLogger returns a logger for image acquisition.
func CaptureLogger() Logger {
	return makeFlaggableLogger(capture, Fields{"layer": "capture"})
}

// Minidump returns true if the minidump loader should be logged.
func Minidump() bool {
	return minidump
}

func MinidumpLogger() Logger {
	return makeFlaggableLogger(minidump, Fields{"layer": "capture", "kind": "minidump"})
}

// Layout returns true if layout conversion should be logged.
func Layout() bool {
	return layout
}

func LayoutLogger() Logger {
	return makeFlaggableLogger(layout, Fields{"layer": "image"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "metacarve-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "scan"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch strings.TrimSpace(logcmd) {
		case "scan":
			scanner = true
		case "carve":
			carver = true
		case "capture":
			capture = true
		case "minidump":
			minidump = true
		case "layout":
			layout = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'metacarve help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), strings.ToLower(entry.Level.String()))
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, "%v", layer)
	}
	if kind, ok := entry.Data["kind"]; ok {
		fmt.Fprintf(&b, "/%v", kind)
	}
	for k, v := range entry.Data {
		if k == "layer" || k == "kind" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintf(&b, " %s\n", entry.Message)
	return []byte(b.String()), nil
}

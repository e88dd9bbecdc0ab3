// Package logflags configures the loggers used by the retrace packages.
//
// Logging is off by default; the helper binary enables individual
// subsystems with --log and --log-output, and the in-process crash
// handler never logs on the fault path.
package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var memory = false
var unwind = false
var images = false
var crash = false
var protocol = false

func makeLogger(flag bool, fields logrus.Fields) Logger {
	if loggerFactory != nil {
		return loggerFactory(flag, Fields(fields), nil)
	}
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return &logrusLogger{logger}
}

// Memory returns true if the memory access layer should log reads.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for the memory access layer.
func MemoryLogger() Logger {
	return makeLogger(memory, logrus.Fields{"layer": "memory"})
}

// Unwind returns true if the stack unwinder should log.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the stack unwinder.
func UnwindLogger() Logger {
	return makeLogger(unwind, logrus.Fields{"layer": "unwind"})
}

// Images returns true if the module catalog should log.
func Images() bool {
	return images
}

// ImagesLogger returns a logger for the module catalog and symbolication.
func ImagesLogger() Logger {
	return makeLogger(images, logrus.Fields{"layer": "images"})
}

// Crash returns true if the crash capture protocol should log.
func Crash() bool {
	return crash
}

// CrashLogger returns a logger for the crash capture protocol.
func CrashLogger() Logger {
	return makeLogger(crash, logrus.Fields{"layer": "crash"})
}

// Protocol returns true if the memory server wire protocol should be logged.
func Protocol() bool {
	return protocol
}

// ProtocolLogger returns a logger for the memory server wire protocol.
func ProtocolLogger() Logger {
	return makeLogger(protocol, logrus.Fields{"layer": "protocol"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the subsystem flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "crash"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "memory":
			memory = true
		case "unwind":
			unwind = true
		case "images":
			images = true
		case "crash":
			crash = true
		case "protocol":
			protocol = true
		}
	}
	return nil
}

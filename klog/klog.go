// Package klog is the supervisor's kernel log writer (spec.md §6): a thin
// logrus wrapper that also mirrors messages to /dev/kmsg when that device is
// writable, so boot failures are visible even with no other console
// attached. Verbosity is gated on the parsed multiboot.debug=N value.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Writer implements domain.Klog.
type Writer struct {
	log  *logrus.Logger
	mu   sync.Mutex
	kmsg io.WriteCloser
}

// New builds a Writer at the given debug level (spec.md §6
// multiboot.debug=N: 0 disables debug output, >=1 enables it). It attempts
// to open /dev/kmsg for mirroring; failure to do so (e.g. not running as
// root, or /dev not yet populated) is not fatal.
func New(debugLevel int) *Writer {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		DisableTimestamp: false,
	})
	if debugLevel > 0 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	w := &Writer{log: log}
	if f, err := os.OpenFile("/dev/kmsg", os.O_WRONLY, 0); err == nil {
		w.kmsg = f
	}
	return w
}

func (w *Writer) mirror(level, format string, args ...interface{}) {
	if w.kmsg == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := fmt.Sprintf("<%s>mbsup: "+format+"\n", append([]interface{}{level}, args...)...)
	// Best-effort: /dev/kmsg write failures are not actionable this early
	// in boot and must never abort the supervisor.
	_, _ = io.WriteString(w.kmsg, msg)
}

func (w *Writer) Debugf(format string, args ...interface{}) {
	w.log.Debugf(format, args...)
	if w.log.IsLevelEnabled(logrus.DebugLevel) {
		w.mirror("7", format, args...)
	}
}

func (w *Writer) Infof(format string, args ...interface{}) {
	w.log.Infof(format, args...)
	w.mirror("6", format, args...)
}

func (w *Writer) Warnf(format string, args ...interface{}) {
	w.log.Warnf(format, args...)
	w.mirror("4", format, args...)
}

func (w *Writer) Errorf(format string, args ...interface{}) {
	w.log.Errorf(format, args...)
	w.mirror("3", format, args...)
}

func (w *Writer) Fatalf(format string, args ...interface{}) {
	w.mirror("0", format, args...)
	w.log.Fatalf(format, args...)
}

// Close releases the /dev/kmsg handle, if one was opened.
func (w *Writer) Close() error {
	if w.kmsg != nil {
		return w.kmsg.Close()
	}
	return nil
}

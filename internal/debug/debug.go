// Package debug provides the package-wide diagnostic logger. Every error
// path in the swap pipeline, buffer pool, and descriptor offer routes
// through here rather than returning silently, per the "no error is
// recovered silently" requirement of the surface teardown design.
package debug

import (
	"log"
	"os"
	"strconv"
)

var (
	info = func(string, ...any) {}
	warn = func(string, ...any) {}
)

func init() {
	level, err := strconv.ParseInt(os.Getenv("GBMSWAP_DEBUG"), 10, 0)
	if err != nil {
		level = 0
	}

	// Errors are always logged. Warnings and info are gated by
	// GBMSWAP_DEBUG, mirroring the teacher's WAYLAND_DEBUG gate but with
	// three levels instead of one, since the pipeline distinguishes
	// recoverable warnings (lock timeout) from protocol violations
	// (illegal transition, orphan retired) that must never be silent.
	if level >= 2 {
		info = func(str string, args ...any) { log.Printf("[info] "+str, args...) }
	}
	if level >= 1 {
		warn = func(str string, args ...any) { log.Printf("[warn] "+str, args...) }
	}
}

func Info(str string, args ...any) {
	info(str, args...)
}

func Warn(str string, args ...any) {
	warn(str, args...)
}

func Error(str string, args ...any) {
	log.Printf("[error] "+str, args...)
}

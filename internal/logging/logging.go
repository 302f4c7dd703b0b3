// Package logging configures the process-wide log15 root handler.
package logging

import (
	"os"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File enables a rotating logfmt file next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup replaces the root handler. Unknown levels fall back to info.
func Setup(opts Options) {
	console := log.LvlFilterHandler(
		level(opts.Level),
		log.StreamHandler(os.Stdout, log.TerminalFormat(false)),
	)

	if opts.File == "" {
		log.Root().SetHandler(console)
		return
	}

	rotate := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 100),
		MaxBackups: orDefault(opts.MaxBackups, 10),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	file := log.LvlFilterHandler(
		level(opts.Level),
		log.StreamHandler(rotate, log.LogfmtFormat()),
	)

	log.Root().SetHandler(log.MultiHandler(console, file))
}

func New(module string) log.Logger {
	return log.New("module", module)
}

// Security is the sink for fairness violations and other events an
// operator must review.
var Security = New("security")

// ShortAddr renders 0x1234...abcd for log lines and public events.
func ShortAddr(addr string) string {
	if len(addr) < 10 {
		return "unknown"
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

func level(s string) log.Lvl {
	lvl, err := log.LvlFromString(s)
	if err != nil {
		return log.LvlInfo
	}
	return lvl
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

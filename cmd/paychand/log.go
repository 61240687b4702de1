// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bchpaychan/paychannel/paychanlog"
	"github.com/gcash/bchlog"
	"github.com/jrick/logrotate/rotator"
)

// logRotator writes rotated log files under cfg.LogDir. It must be closed on
// shutdown; subsystem loggers obtained before initLogRotator runs write to
// bchlog.Disabled and are silently dropped.
var logRotator *rotator.Rotator

// pychLog is paychand's own subsystem logger, distinct from the six
// subsystem tags registered for the channel core in paychanlog.
var pychLog = bchlog.Disabled

// initLogRotator creates a rotating file logger at logFile, wires it as the
// backend for every paychanlog subsystem logger, and points this package's
// own logger at it. Mirrors breez-lightninglib/daemon/log.go's
// initLogRotator plus rpc/legacyrpc/log.go's UseLogger handoff.
func initLogRotator(logFile, debugLevel string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, int64(defaultMaxLogSize*1024), false, defaultMaxLogFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)
	logRotator = r

	backend := paychanlog.InitBackend(pw)
	level, ok := bchlog.LevelFromString(debugLevel)
	if !ok {
		level = bchlog.LevelInfo
	}

	for _, tag := range []string{
		paychanlog.SubsystemChanScript,
		paychanlog.SubsystemClientChannel,
		paychanlog.SubsystemServerChannel,
		paychanlog.SubsystemClientProto,
		paychanlog.SubsystemServerProto,
		paychanlog.SubsystemChanStore,
	} {
		backend.Logger(tag).SetLevel(level)
	}

	pychLog = backend.Logger("PYCD")
	pychLog.SetLevel(level)
	return nil
}

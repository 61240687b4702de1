// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"

	"github.com/gcash/bchutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename  = "paychand.log"
	defaultMaxLogSize   = 10
	defaultMaxLogFiles  = 3
	defaultChannelValue = 100000000 // 1 COIN
	defaultIncrement    = 1000000   // 1 CENT
	defaultNumPayments  = 3
)

var defaultDataDir = bchutil.AppDataDir("paychand", false)

// config holds every runtime-tunable knob for the demonstration binary. It
// is deliberately small: paychand exists to exercise the channel core and
// its ambient config/log stack end to end, not to be a production daemon.
type config struct {
	DataDir string `long:"datadir" description:"Directory to store the demo client/server stores"`
	LogDir  string `long:"logdir" description:"Directory to write paychand.log"`
	Debug   string `short:"d" long:"debuglevel" description:"Logging level for all subsystems" default:"info"`

	ChannelValue     int64 `long:"value" description:"Total channel value V, in satoshis"`
	PaymentIncrement int64 `long:"increment" description:"Amount added to V_s per simulated payment"`
	NumPayments      int   `long:"payments" description:"Number of simulated payments to run before closing"`
}

// defaultConfig returns a config pre-populated with this demo's defaults,
// mirroring the wallet's own cmd/ tools' habit of building a fully-populated
// struct literal before handing it to flags.Parse.
func defaultConfig() *config {
	return &config{
		DataDir:          defaultDataDir,
		LogDir:           filepath.Join(defaultDataDir, "logs"),
		Debug:            "info",
		ChannelValue:     defaultChannelValue,
		PaymentIncrement: defaultIncrement,
		NumPayments:      defaultNumPayments,
	}
}

// loadConfig parses command-line flags over a fully-defaulted config and
// ensures the data/log directories exist.
func loadConfig() (*config, error) {
	cfg := defaultConfig()
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, err
	}
	return cfg, nil
}

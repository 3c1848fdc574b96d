// Copyright 2024 The nbd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"
)

var commands []subcommands.Command

var (
	logLevel  = flag.String("log.level", "info", "Log level (trace, debug, info, warn, error)")
	logPretty = flag.Bool("log.pretty", true, "Human-readable log output instead of JSON")
)

// newLogger builds the process logger from the global logging flags.
func newLogger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if *logPretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func main() {
	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		subcommands.ImportantFlag(f.Name)
	})
	subcommands.Register(subcommands.HelpCommand(), "")
	for _, c := range commands {
		subcommands.Register(c, "")
	}
	os.Exit(int(subcommands.Execute(context.Background())))
}

// indexFlag is a flag.Value holding an optional NBD device number. It
// distinguishes "not given" from device 0.
type indexFlag struct {
	set bool
	val uint32
	def string
}

func (f *indexFlag) String() string {
	switch {
	case f.set:
		return strconv.FormatUint(uint64(f.val), 10)
	case f.def != "":
		return f.def
	}
	return "auto"
}

func (f *indexFlag) Set(s string) error {
	if s == f.String() && !f.set {
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	*f = indexFlag{set: true, val: uint32(v), def: f.def}
	return nil
}

// Program commux is a command-line utility for running and inspecting
// communicator aggregators.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/commux"
	"github.com/creachadair/commux/transform"
	"github.com/creachadair/commux/wire"
	"github.com/creachadair/flax"
	"github.com/rs/zerolog"
)

var frameFlags struct {
	Identity string `flag:"identity,default=commux,Source identity stamped on the frame"`
	Message  uint   `flag:"message,default=1,Message ID"`
	Type     string `flag:"type,default=notify,Message type (request, response, notify)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and inspecting communicator aggregators.",
		Commands: []*command.C{
			{
				Name:     "run",
				Usage:    "[--listen addr] [--dial addr,...]",
				Help:     runHelp,
				SetFlags: command.Flags(flax.MustBind, &runFlags),
				Run:      runNode,
			},
			{
				Name:     "frame",
				Usage:    "<label> <text>",
				Help:     "Encode an application frame carrying text and print it in hex.",
				SetFlags: command.Flags(flax.MustBind, &frameFlags),
				Run:      runFrame,
			},
			{
				Name:  "decode",
				Usage: "<hex-packet>...",
				Help:  "Describe the headers of hex-encoded packets.",
				Run:   runDecode,
			},
			{
				Name:  "config",
				Usage: "[config-file]",
				Help: `Print aggregator settings as TOML.

With no arguments, print the default settings. Otherwise, load the named
file and print the effective settings.`,
				Run: runConfig,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx).MergeFlags(true)
	command.RunOrFail(env, os.Args[1:])
}

// newLogger returns a console logger writing to stderr.
func newLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

func runFrame(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("got %d arguments, want label and text", len(env.Args))
	}
	label, err := strconv.ParseUint(env.Args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid label: %w", err)
	}
	mtype, err := parseType(frameFlags.Type)
	if err != nil {
		return err
	}
	reg := wire.NewRegistry()
	if err := transform.Register[string](reg, uint32(frameFlags.Message)); err != nil {
		return err
	}
	buf, err := reg.ToBuffer(&wire.Message{
		ID:     uint32(frameFlags.Message),
		Type:   mtype,
		Object: env.Args[1],
	}, false)
	if err != nil {
		return err
	}
	if err := wire.SetDivergeHeader(buf, wire.LabelFromUint64(label)); err != nil {
		return err
	}
	if err := wire.SetPhyHeader(buf, wire.PhyInfo{
		SourceID:  wire.SourceID(frameFlags.Identity),
		FrameID:   1,
		FrameType: wire.FrameApp,
	}); err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(buf.Entire()))
	return nil
}

func runDecode(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing packet arguments")
	}
	var errs []error
	for i, arg := range env.Args {
		pkt, err := hex.DecodeString(strings.TrimSpace(arg))
		if err != nil {
			errs = append(errs, fmt.Errorf("packet %d: %w", i+1, err))
			continue
		}
		fmt.Println(wire.Describe(pkt))
	}
	return errors.Join(errs...)
}

func runConfig(env *command.Env) error {
	cfg := commux.DefaultConfig()
	switch len(env.Args) {
	case 0:
	case 1:
		var err error
		cfg, err = commux.LoadConfigFile(env.Args[0])
		if err != nil {
			return err
		}
	default:
		return env.Usagef("extra arguments: %q", env.Args[1:])
	}
	data, err := commux.MarshalConfig(cfg)
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	return nil
}

func parseType(s string) (wire.MessageType, error) {
	switch strings.ToLower(s) {
	case "request":
		return wire.TypeRequest, nil
	case "response":
		return wire.TypeResponse, nil
	case "notify":
		return wire.TypeNotify, nil
	default:
		return wire.TypeInvalid, fmt.Errorf("unknown message type %q", s)
	}
}

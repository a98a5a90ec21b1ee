package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/commux"
	"github.com/creachadair/commux/adapter"
	"github.com/creachadair/commux/transform"
	"github.com/creachadair/commux/wire"
	"github.com/creachadair/taskgroup"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const runHelp = `Run an aggregator over TCP connections.

The node listens for connections on --listen, if set, and connects to each
of the comma-separated addresses in --dial. It allocates one communicator for
--label and logs the text messages it receives. If --say is set, the text is
sent to each target as soon as the label comes online there.

Settings are read from the TOML file named by --config. With --watch, the
log level and feedback settings are reloaded when the file changes.`

var runFlags struct {
	Config   string `flag:"config,Path of a TOML settings file"`
	Watch    bool   `flag:"watch,Reload settings when the config file changes"`
	Listen   string `flag:"listen,Address to accept connections on"`
	Dial     string `flag:"dial,Comma-separated addresses to connect to"`
	Identity string `flag:"identity,Local identity (default random)"`
	Label    uint   `flag:"label,default=1,Communicator label"`
	Message  uint   `flag:"message,default=1,Message ID of text messages"`
	Say      string `flag:"say,Text to send where the label comes online"`
}

func runNode(env *command.Env) error {
	ctx := env.Context()
	cfg := commux.DefaultConfig()
	if runFlags.Config != "" {
		var err error
		cfg, err = commux.LoadConfigFile(runFlags.Config)
		if err != nil {
			return err
		}
	}
	log := newLogger()
	zerolog.SetGlobalLevel(cfg.LogLevel)
	cfg.Logger = log
	cfg.LogLevel = zerolog.TraceLevel // gated by the global level
	cfg.Registry = wire.NewRegistry()
	msgID := uint32(runFlags.Message)
	if err := transform.Register[string](cfg.Registry, msgID); err != nil {
		return err
	}

	var lst net.Listener
	if runFlags.Listen != "" {
		var err error
		lst, err = net.Listen("tcp", runFlags.Listen)
		if err != nil {
			return err
		}
		log.Info().Str("addr", lst.Addr().String()).Msg("listening")
	}
	na := adapter.NewNet(lst, adapter.NetConfig{Identity: runFlags.Identity})
	agg := commux.New(cfg)
	if err := agg.Start(na); err != nil {
		if lst != nil {
			lst.Close()
		}
		return err
	}
	defer agg.Stop()
	id, _ := agg.LocalIdentity()
	log.Info().Str("identity", id).Msg("node started")

	comm, err := agg.AllocUint64(uint64(runFlags.Label))
	if err != nil {
		return err
	}
	comm.OnMessage(transform.Handler(
		func(src string, msg *wire.Message, body string) {
			log.Info().Str("src", src).Stringer("type", msg.Type).Uint32("seq", msg.SequenceID).Msg(body)
		},
		func(src string, msg *wire.Message, err error) {
			log.Warn().Err(err).Str("src", src).Msg("message not handled")
		},
	))
	comm.OnConnect(func(target string, online bool) {
		log.Info().Str("target", target).Bool("online", online).Msg("label status")
		if !online || runFlags.Say == "" {
			return
		}
		msg := &wire.Message{ID: msgID, Type: wire.TypeNotify, Object: runFlags.Say}
		if err := comm.SendMessage(ctx, target, msg, commux.SendConfig{NonBlock: true}); err != nil {
			log.Error().Err(err).Str("target", target).Msg("send")
		}
	})
	if err := comm.Activate(); err != nil {
		return err
	}

	for addr := range strings.SplitSeq(runFlags.Dial, ",") {
		if addr = strings.TrimSpace(addr); addr == "" {
			continue
		}
		peer, err := na.Dial(ctx, "tcp", addr)
		if err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("dial")
			continue
		}
		log.Info().Str("addr", addr).Str("peer", peer).Msg("connected")
	}

	tasks := taskgroup.New(nil)
	if runFlags.Watch && runFlags.Config != "" {
		tasks.Go(func() error { return watchConfig(ctx, runFlags.Config, agg, log) })
	}
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return tasks.Wait()
}

// watchConfig reloads the settings in path when the file is written, until
// ctx ends. Only the log level and feedback settings take effect.
func watchConfig(ctx context.Context, path string, agg *commux.Aggregator, log zerolog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, since editors often replace the file.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := commux.LoadConfigFile(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("reload config")
				continue
			}
			zerolog.SetGlobalLevel(cfg.LogLevel)
			agg.EnableNotFoundFeedback(cfg.NotFoundFeedback)
			log.Info().Str("level", cfg.LogLevel.String()).Bool("feedback", cfg.NotFoundFeedback).Msg("config reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher")
		}
	}
}

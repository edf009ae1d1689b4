// Command slammapper-server runs the multi-tracker mapping back-end:
// binds the request/reply and publisher sockets, constructs the Map,
// KeyFrameDatabase, LocalMapping and LoopClosing workers, and the
// authoritative Mapper façade, then blocks until told to shut down.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mapkit.dev/slammapper/localmapping"
	"go.mapkit.dev/slammapper/logging"
	"go.mapkit.dev/slammapper/loopclosing"
	"go.mapkit.dev/slammapper/mapper"
	"go.mapkit.dev/slammapper/mapping"
	"go.mapkit.dev/slammapper/optimize"
	"go.mapkit.dev/slammapper/settings"
	"go.mapkit.dev/slammapper/transport"
	"go.mapkit.dev/slammapper/wire"
)

func main() {
	if err := run(); err != nil {
		logging.NewLogger("slammapper-server").Errorw("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 3 {
		return fmt.Errorf("usage: %s <vocab_file> <settings_file>", os.Args[0])
	}
	vocabPath, settingsPath := os.Args[1], os.Args[2]

	if _, err := os.Stat(vocabPath); err != nil {
		return fmt.Errorf("settings: bad vocabulary file %q: %w", vocabPath, err)
	}

	cfg, err := settings.Load(settingsPath)
	if err != nil {
		return err
	}

	log := logging.NewLogger("slammapper-server")

	m := mapping.NewMap()
	db := mapping.NewKeyFrameDatabase()
	solver := &optimize.DefaultSolver{OutlierPasses: 2}

	lm := localmapping.New(log.Named("local-mapping"), m, db, noFeatureMatcher{}, solver)
	lc := loopclosing.New(log.Named("loop-closing"), m, db, noFeatureMatcher{}, solver, lm)
	lm.Run(lc)
	lc.Run()
	defer lm.Worker().Stop()
	defer lc.Worker().Stop()

	server := mapper.NewServer(log.Named("mapper"), m, db, lm, lc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reqSrv := transport.NewRequestServer(log.Named("request"), &mapperHandler{m: server}, m)
	pub := transport.NewPublisher(log.Named("publisher"))

	go forwardEvents(server, pub, m)

	serveErrCh := make(chan error, 2)
	go func() { serveErrCh <- reqSrv.Serve(ctx, cfg.Server.Address) }()
	go func() { serveErrCh <- pub.Serve(ctx, cfg.Publisher.Address) }()

	log.Infow("serving", "request_addr", cfg.Server.Address, "publisher_addr", cfg.Publisher.Address)

	shutdown := make(chan struct{})
	go watchShutdownSignal(shutdown)
	go watchShutdownKeypress(shutdown)

	select {
	case <-shutdown:
		log.Infow("shutdown requested")
	case err := <-serveErrCh:
		if err != nil {
			return err
		}
	}

	cancel()
	_ = reqSrv.Close()
	_ = pub.Close()
	return nil
}

// forwardEvents bridges mapper façade Events onto publisher fan-out
// messages, the glue between the in-process change bus and the wire. Each
// MapChange event carries the changed KF/MP, re-read from m and encoded via
// wire.EncodeMapChange, so client mirrors can apply it (spec.md §4.6).
func forwardEvents(server *mapper.Server, pub *transport.Publisher, m *mapping.Map) {
	ch := make(chan mapper.Event, 256)
	server.Subscribe(ch)
	for ev := range ch {
		switch ev.Kind {
		case mapper.EventMapChange:
			pub.Publish(transport.PublishedMessage{
				SubscribeID: transport.SubscribeMapChange,
				Entity:      encodeMapChange(m, ev.Change),
			})
		case mapper.EventReset:
			pub.Publish(transport.PublishedMessage{SubscribeID: transport.SubscribeReset})
		case mapper.EventTrackerPose:
			pub.Publish(transport.PublishedMessage{SubscribeID: transport.SubscribeTrackerPose, TrackerID: ev.TrackerID})
		}
	}
}

// encodeMapChange looks up the entity a mapping.ChangeEvent refers to
// (absent for the Erased kinds) and wraps it in a wire.MapChange envelope.
func encodeMapChange(m *mapping.Map, ev mapping.ChangeEvent) []byte {
	mc := wire.MapChange{Kind: wireMapChangeKind(ev.Kind), ID: ev.ID}
	switch ev.Kind {
	case mapping.KeyFrameAdded, mapping.KeyFrameUpdated:
		if kf, ok := m.GetKeyFrame(ev.ID); ok {
			mc.Entity = wire.EncodeKeyFrame(kf)
		}
	case mapping.MapPointAdded, mapping.MapPointUpdated:
		if mp, ok := m.GetMapPoint(ev.ID); ok {
			mc.Entity = wire.EncodeMapPoint(mp)
		}
	}
	return wire.EncodeMapChange(mc)
}

func wireMapChangeKind(k mapping.ChangeKind) wire.MapChangeKind {
	switch k {
	case mapping.KeyFrameAdded:
		return wire.MapChangeKeyFrameAdded
	case mapping.KeyFrameUpdated:
		return wire.MapChangeKeyFrameUpdated
	case mapping.KeyFrameErased:
		return wire.MapChangeKeyFrameErased
	case mapping.MapPointAdded:
		return wire.MapChangeMapPointAdded
	case mapping.MapPointUpdated:
		return wire.MapChangeMapPointUpdated
	default:
		return wire.MapChangeMapPointErased
	}
}

func watchShutdownSignal(shutdown chan<- struct{}) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	select {
	case shutdown <- struct{}{}:
	default:
	}
}

// watchShutdownKeypress implements spec.md §6's "keyboard X/Esc on the
// controlling terminal triggers graceful shutdown". Reading fails silently
// (and simply never fires) when stdin isn't a terminal, e.g. under a
// service manager.
func watchShutdownKeypress(shutdown chan<- struct{}) {
	r := bufio.NewReader(os.Stdin)
	for {
		ch, _, err := r.ReadRune()
		if err != nil {
			return
		}
		if ch == 'x' || ch == 'X' || ch == 27 {
			select {
			case shutdown <- struct{}{}:
			default:
			}
			return
		}
	}
}

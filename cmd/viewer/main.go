package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/signal"
	webrtcinfra "livecast/internal/infrastructure/webrtc"
	"livecast/pkg/config"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	id         string
	list       bool
	stream     string
	broadcast  string
	title      string
	category   string
	audioAddr  string
	videoAddr  string
	report     time.Duration
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to the YAML config file")
	flag.StringVar(&o.id, "id", "", "participant id when no token is configured (generated if empty)")
	flag.BoolVar(&o.list, "list", false, "print live streams and exit")
	flag.StringVar(&o.stream, "stream", "", "join this stream and report received media")
	flag.StringVar(&o.broadcast, "broadcast", "", "publish RTP received on -audio/-video as this stream")
	flag.StringVar(&o.title, "title", "", "broadcast title")
	flag.StringVar(&o.category, "category", "", "broadcast category")
	flag.StringVar(&o.audioAddr, "audio", "", "UDP address to receive Opus RTP on")
	flag.StringVar(&o.videoAddr, "video", "127.0.0.1:5004", "UDP address to receive VP8 RTP on")
	flag.DurationVar(&o.report, "report", 5*time.Second, "media report interval")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "viewer:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	paths := []string{"configs/livecast.yaml"}
	if opts.configPath != "" {
		paths = []string{opts.configPath}
	}
	cfg, _, err := config.LoadFirst(paths...)
	if err != nil {
		return err
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-viewer",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var identity ports.IdentityProvider = services.NewStaticIdentity(opts.id)
	if cfg.Client.Token != "" {
		identity = services.NewTokenIdentity(cfg.Client.Token)
	}
	localID, err := identity.ParticipantID(ctx)
	if err != nil {
		return err
	}
	ctx = logger.WithParticipant(ctx, string(localID))
	clog := logger.NewContextLogger(log)
	log = clog.WithContext(ctx)

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(reg, cfg.Monitoring.PrometheusPort, log)
	}

	factory, err := webrtcinfra.NewPeerFactory(webrtcinfra.FactoryConfigFrom(cfg), log.Named("webrtc"))
	if err != nil {
		return err
	}
	media := webrtcinfra.NewUDPMediaProvider(webrtcinfra.MediaConfig{
		AudioAddr: opts.audioAddr,
		VideoAddr: opts.videoAddr,
	}, log.Named("media"))

	transport := signal.NewWebSocketTransport(signal.ClientConfigFrom(cfg, localID), collector, log.Named("signal"))
	orch := services.NewStreamOrchestrator(
		transport,
		services.NewPeerConnectionManager(factory, cfg.WebRTC.NegotiationTimeout, collector, log.Named("peers")),
		services.NewStreamRegistry(collector),
		media,
		services.OrchestratorConfig{ReconcileInterval: cfg.Client.ReconcileInterval},
		log,
	)
	defer orch.Close()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	switch {
	case opts.list:
		printStreams(orch.Registry())
		return nil
	case opts.stream != "":
		ctx = logger.WithStream(ctx, opts.stream)
		return watch(ctx, orch, domain.StreamID(opts.stream), localID, opts.report, clog.WithContext(ctx))
	case opts.broadcast != "":
		ctx = logger.WithStream(ctx, opts.broadcast)
		return broadcast(ctx, orch, domain.StreamID(opts.broadcast), localID, domain.StreamMetadata{
			Title:    opts.title,
			Category: opts.category,
		}, clog.WithContext(ctx))
	default:
		return errors.New("one of -list, -stream or -broadcast is required")
	}
}

func printStreams(streams []domain.StreamSession) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tBROADCASTER\tTITLE\tCATEGORY\tVIEWERS\tSTARTED")
	for _, s := range streams {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.BroadcasterID, s.Title, s.Category, s.ViewerCount, s.StartedAt.Format(time.RFC3339))
	}
	w.Flush()
}

// waitForEnd delivers the end reason of the local session of role.
func waitForEnd(orch *services.StreamOrchestrator, role domain.Role) (<-chan error, func()) {
	ended := make(chan error, 1)
	unsubscribe := orch.OnStreamEnded(func(e services.StreamEnded) {
		if e.Role != role {
			return
		}
		select {
		case ended <- e.Reason:
		default:
		}
	})
	return ended, unsubscribe
}

func watch(ctx context.Context, orch *services.StreamOrchestrator, streamID domain.StreamID, localID domain.ParticipantID, every time.Duration, log *zap.SugaredLogger) error {
	monitor := webrtcinfra.NewTrackMonitor(log.Named("tracks"))
	unsubscribe := orch.OnRemoteStream(func(rs services.RemoteStream) {
		go monitor.Consume(rs.Media.Track)
	})
	defer unsubscribe()

	ended, stopWaiting := waitForEnd(orch, domain.RoleViewer)
	defer stopWaiting()

	if err := orch.JoinStream(ctx, streamID, localID); err != nil {
		return err
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			orch.LeaveStream()
			return nil
		case reason := <-ended:
			return reason
		case <-ticker.C:
			for _, st := range monitor.Snapshot() {
				log.Infow("media report",
					"track_id", st.TrackID,
					"kind", st.Kind,
					"packets", st.Packets,
					"bytes", st.Bytes,
					"keyframes", st.Keyframes,
					"lost", st.Lost,
				)
			}
		}
	}
}

func broadcast(ctx context.Context, orch *services.StreamOrchestrator, streamID domain.StreamID, localID domain.ParticipantID, meta domain.StreamMetadata, log *zap.SugaredLogger) error {
	ended, stopWaiting := waitForEnd(orch, domain.RoleBroadcaster)
	defer stopWaiting()

	if err := orch.StartBroadcast(ctx, streamID, localID, meta); err != nil {
		return err
	}
	log.Info("broadcasting")

	select {
	case <-ctx.Done():
		orch.StopBroadcast()
		return nil
	case reason := <-ended:
		return reason
	}
}

func serveMetrics(reg *prometheus.Registry, port int, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := ":" + strconv.Itoa(port)
	log.Infow("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "error", err)
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/wiseplay-app/hdsdemux/internal/flvtag"
	"github.com/wiseplay-app/hdsdemux/internal/hds"
)

// serveCmd runs a demux session with an HTTP status endpoint.
var serveCmd = &cobra.Command{
	Use:   "serve <manifest-url>",
	Short: "Demux a stream and expose session status over HTTP",
	Long: `Open an HDS session and pump it continuously while serving session
status as JSON:

  GET /healthz          liveness check
  GET /api/v1/session   session, program and counter details`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// sessionCounters are updated by the pump loop and read by handlers.
type sessionCounters struct {
	videoSamples atomic.Int64
	audioSamples atomic.Int64
	lastDTS      atomic.Int64
}

type sessionStatus struct {
	SessionID    string          `json:"session_id"`
	URL          string          `json:"url"`
	Live         bool            `json:"live"`
	Programs     []programStatus `json:"programs"`
	VideoSamples int64           `json:"video_samples"`
	AudioSamples int64           `json:"audio_samples"`
	LastDTSMs    int64           `json:"last_dts_ms"`
}

type programStatus struct {
	Name    string `json:"name"`
	Streams []int  `json:"streams"`
}

func runServe(cmd *cobra.Command, args []string) error {
	url := args[0]
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher := newFetcher()
	manifestBytes, err := loadManifest(ctx, fetcher, url)
	if err != nil {
		return err
	}

	demuxer := hds.New(hds.Config{
		Logger:  logger,
		Fetcher: fetcher,
	})
	if err := demuxer.Open(ctx, url, manifestBytes); err != nil {
		return err
	}
	defer demuxer.Close()

	counters := &sessionCounters{}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	router.Get("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		status := sessionStatus{
			SessionID:    demuxer.SessionID(),
			URL:          url,
			Live:         demuxer.Live(),
			VideoSamples: counters.videoSamples.Load(),
			AudioSamples: counters.audioSamples.Load(),
			LastDTSMs:    counters.lastDTS.Load(),
		}
		for _, p := range demuxer.Programs() {
			status.Programs = append(status.Programs, programStatus{
				Name:    p.Name,
				Streams: p.Streams,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warn("encoding session status", slog.String("error", err.Error()))
		}
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("status server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- pump(ctx, demuxer, counters, logger)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	case runErr = <-pumpErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", slog.String("error", err.Error()))
	}

	return runErr
}

// pump drains the demuxer until the stream ends or the context is
// cancelled.
func pump(ctx context.Context, demuxer *hds.Demuxer, counters *sessionCounters, logger *slog.Logger) error {
	for {
		pkt, err := demuxer.ReadPacket(ctx)
		if errors.Is(err, hds.ErrEndOfStream) {
			logger.Info("end of stream",
				slog.Int64("video_samples", counters.videoSamples.Load()),
				slog.Int64("audio_samples", counters.audioSamples.Load()))
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if pkt == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.Demux.ReadRetryInterval):
			}
			continue
		}

		if pkt.Kind == flvtag.KindVideo {
			counters.videoSamples.Add(1)
		} else {
			counters.audioSamples.Add(1)
		}
		counters.lastDTS.Store(pkt.DTS)
	}
}

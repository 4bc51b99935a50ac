package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/wiseplay-app/hdsdemux/internal/flvtag"
	"github.com/wiseplay-app/hdsdemux/internal/hds"
)

var (
	dumpMaxSamples int
	dumpOutputDir  string
)

// dumpCmd pumps a session and prints (or saves) the demuxed samples.
var dumpCmd = &cobra.Command{
	Use:   "dump <manifest-url>",
	Short: "Demux a stream and dump its samples",
	Long: `Open an HDS session, demux media fragments and print one line per
elementary sample. With --output the raw elementary streams are also
written to video.h264 (Annex-B) and audio.aac in the given directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().IntVar(&dumpMaxSamples, "max-samples", 200, "stop after this many samples (0 = until end of stream)")
	dumpCmd.Flags().StringVar(&dumpOutputDir, "output", "", "directory to write raw elementary streams to")
	rootCmd.AddCommand(dumpCmd)
}

func runDump(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	url := args[0]
	logger := slog.Default()

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

	for _, p := range demuxer.Programs() {
		fmt.Printf("program %d: %s\n", p.Index, p.Name)
	}

	var videoOut, audioOut *os.File
	if dumpOutputDir != "" {
		if err := os.MkdirAll(dumpOutputDir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		if videoOut, err = os.Create(filepath.Join(dumpOutputDir, "video.h264")); err != nil {
			return err
		}
		defer videoOut.Close()
		if audioOut, err = os.Create(filepath.Join(dumpOutputDir, "audio.aac")); err != nil {
			return err
		}
		defer audioOut.Close()
	}

	samples := 0
	for dumpMaxSamples == 0 || samples < dumpMaxSamples {
		pkt, err := demuxer.ReadPacket(ctx)
		if errors.Is(err, hds.ErrEndOfStream) {
			fmt.Println("end of stream")
			break
		}
		if err != nil {
			return err
		}
		if pkt == nil {
			// No data this call: transient upstream trouble.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Demux.ReadRetryInterval):
			}
			continue
		}

		fmt.Printf("%-5s stream=%d dts=%8dms size=%d\n",
			pkt.Kind, pkt.StreamIndex, pkt.DTS, len(pkt.Data))

		switch {
		case pkt.Kind == flvtag.KindVideo && videoOut != nil:
			if _, err := videoOut.Write(pkt.Data); err != nil {
				return err
			}
		case pkt.Kind == flvtag.KindAudio && audioOut != nil:
			if _, err := audioOut.Write(pkt.Data); err != nil {
				return err
			}
		}

		samples++
	}

	fmt.Printf("%d samples\n", samples)
	return nil
}

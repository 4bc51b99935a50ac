package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wiseplay-app/hdsdemux/internal/hds"
	"github.com/wiseplay-app/hdsdemux/internal/manifest"
)

// probeCmd inspects a manifest without starting playback.
var probeCmd = &cobra.Command{
	Use:   "probe <manifest-url-or-file>",
	Short: "Inspect an HDS manifest",
	Long: `Fetch or read an F4M manifest and print its stream type, bootstrap
descriptors and quality variants.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	location := args[0]

	if score := hds.Probe(location); score != hds.ProbeScoreMax {
		fmt.Printf("%s: not recognized as an HDS manifest (score %d)\n", location, score)
	}

	data, err := loadManifest(cmd.Context(), newFetcher(), location)
	if err != nil {
		return err
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return err
	}

	fmt.Printf("id:          %s\n", m.ID)
	fmt.Printf("stream type: %s\n", m.StreamType)

	fmt.Printf("bootstraps:  %d\n", len(m.Bootstraps))
	for _, b := range m.Bootstraps {
		source := b.URL
		if len(b.Metadata) > 0 {
			source = fmt.Sprintf("inline (%d bytes)", len(b.Metadata))
		}
		fmt.Printf("  %-20s profile=%-8s %s\n", b.ID, b.Profile, source)
	}

	fmt.Printf("variants:    %d\n", len(m.Variants))
	for _, v := range m.Variants {
		fmt.Printf("  %5d kbps  url=%-30s bootstrap=%s\n", v.Bitrate, v.URL, v.BootstrapID)
	}

	return m.Validate()
}

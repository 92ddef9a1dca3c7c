package commands

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/video"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the video source openers built into this binary",
	Long: `List the video source openers, in the order locators are routed to them.

Locators:
  synthetic:[?frames=N&fps=F&width=W&height=H&reds=R]   generated snooker table
  images:DIR[?fps=F&loop=1] or DIR                        still-image sequence
  x11:[?window=ID&region=X,Y,W,H]                         screen or window capture
  anything else                                           video file or device (requires -tags gocv)`,
	RunE: runSources,
}

var sourcesProbeCmd = &cobra.Command{
	Use:   "probe LOCATOR",
	Short: "Open a locator and read a few frames",
	Example: `  # Check that a directory of stills decodes
  snookertracker sources probe images:./frames --frames 3`,
	Args: cobra.ExactArgs(1),
	RunE: runSourcesProbe,
}

var probeFrames int

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesProbeCmd)

	sourcesProbeCmd.Flags().IntVarP(&probeFrames, "frames", "n", 5, "number of frames to read")
}

func runSources(cmd *cobra.Command, args []string) error {
	for i, name := range video.DefaultRouter().Openers() {
		fmt.Printf("%d. %s\n", i+1, name)
	}
	return nil
}

func runSourcesProbe(cmd *cobra.Command, args []string) error {
	locator := args[0]

	h, err := video.DefaultRouter().Open(locator)
	if err != nil {
		return errors.NewUnopenable(locator, err)
	}
	defer h.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSIZE\tREAD")
	for i := 0; i < probeFrames; i++ {
		start := time.Now()
		frame, err := h.Read()
		if err == io.EOF {
			fmt.Fprintln(w, "-\tend of stream\t-")
			break
		}
		if err != nil {
			w.Flush()
			return &errors.SourceError{Locator: locator, Reason: errors.ReadFailed, Err: err}
		}
		b := frame.Image.Bounds()
		fmt.Fprintf(w, "%d\t%dx%d\t%s\n", frame.Seq, b.Dx(), b.Dy(), time.Since(start).Round(time.Microsecond))
	}
	return w.Flush()
}

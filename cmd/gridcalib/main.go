// Command gridcalib calibrates the intrinsics and rig extrinsics of one or
// more cameras from image streams of a grid-dot target.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/banshee-data/gridcalib/internal/version"
)

var (
	tuningPath  = flag.String("tuning", "", "Path to a JSON tuning file (defaults apply when empty)")
	camDirs     = flag.String("cams", "", "Comma-separated image directories, one per camera")
	simulate    = flag.Int("simulate", 0, "Render a synthetic rig with this many cameras instead of reading images")
	simTicks    = flag.Int("simulate-ticks", 12, "Number of rig poses rendered in simulate mode")
	modelName   = flag.String("model", "fov", "Camera model: fov, pinhole or poly2")
	focal       = flag.Float64("focal", 0, "Initial focal length guess in pixels (0 uses the model default)")
	dbPath      = flag.String("db", "", "SQLite database for sessions, observations and models (optional)")
	outPath     = flag.String("out", "cameras.json", "Camera model JSON output path (empty disables)")
	residuals   = flag.String("residuals", "", "Residual histogram PNG output path (optional)")
	listen      = flag.String("listen", "", "Monitor listen address, e.g. :8090 (optional)")
	addFrames   = flag.Bool("add-frames", true, "Add keyframes from new ticks")
	maxTicks    = flag.Int("max-ticks", 0, "Stop after this many ticks (0 runs to the end of the stream)")
	finalPasses = flag.Int("passes", 20, "Refinement passes to run after the stream ends")
	describe    = flag.String("describe", "", "Free-text description stored with the session")
	verbose     = flag.Bool("verbose", false, "Log per-frame detection diagnostics")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("gridcalib", version.String())
		return
	}

	opts := Options{
		TuningPath:    *tuningPath,
		Simulate:      *simulate,
		SimulateTicks: *simTicks,
		Model:         *modelName,
		Focal:         *focal,
		DBPath:        *dbPath,
		OutPath:       *outPath,
		ResidualsPath: *residuals,
		Listen:        *listen,
		AddFrames:     *addFrames,
		MaxTicks:      *maxTicks,
		FinalPasses:   *finalPasses,
		Description:   *describe,
		Verbose:       *verbose,
		Logger:        log.Default(),
	}
	if *camDirs != "" {
		opts.CameraDirs = strings.Split(*camDirs, ",")
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "gridcalib: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("gridcalib: %v", err)
	}
}

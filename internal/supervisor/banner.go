package supervisor

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/skobkin/pipebench/internal/version"
)

type banner struct {
	Reference time.Time
	Build     version.Info
	RunID     string
	Batches   int
	Workers   int
	Prefetch  int
	BatchSize int
	Epochs    int
	Device    string
	Accel     bool
}

func printBanner(w io.Writer, b banner) {
	if w == nil {
		return
	}
	title := color.New(color.FgHiCyan, color.Bold).SprintFunc()
	value := color.New(color.FgHiWhite).SprintFunc()

	device := "cpu"
	if b.Accel {
		device = "gpu"
	}

	fmt.Fprintln(w, title("pipebench"), value(b.RunID))
	fmt.Fprintf(w, "  build       %s\n", value(b.Build))
	fmt.Fprintf(w, "  reference   %s\n", value(b.Reference.UTC().Format(time.RFC3339Nano)))
	fmt.Fprintf(w, "  batches     %s\n", value(b.Batches))
	fmt.Fprintf(w, "  workers     %s\n", value(b.Workers))
	fmt.Fprintf(w, "  prefetch    %s\n", value(b.Prefetch))
	fmt.Fprintf(w, "  batch size  %s\n", value(b.BatchSize))
	fmt.Fprintf(w, "  epochs      %s\n", value(b.Epochs))
	fmt.Fprintf(w, "  io device   %s\n", value(b.Device))
	fmt.Fprintf(w, "  compute     %s\n", value(device))
}

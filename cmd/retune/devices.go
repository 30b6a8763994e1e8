package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/MrWong99/retune/internal/config"
	"github.com/MrWong99/retune/pkg/audio"
	"github.com/MrWong99/retune/pkg/audio/device"
)

func cmdDevices(args []string) int {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	logger, _ := newLogger(os.Stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signalContext()
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	drv, err := reg.CreateDriver(cfg.Audio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retune: %v\n", err)
		return 1
	}
	if c, ok := drv.(io.Closer); ok {
		defer c.Close()
	}

	devs, err := device.NewRegistry(drv).Enumerate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retune: %v\n", err)
		return 1
	}
	printDevices(os.Stdout, devs)
	return 0
}

// printDevices writes one row per device, inputs and outputs together, in
// the order the backend reported them.
func printDevices(w io.Writer, devs []audio.Device) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIRECTION\tNAME\tIN\tOUT\tRATE\tID")
	for _, d := range devs {
		dir := "input"
		switch {
		case d.IsInput() && d.IsOutput():
			dir = "duplex"
		case d.IsOutput():
			dir = "output"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			dir, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, d.ID)
	}
	tw.Flush()
}

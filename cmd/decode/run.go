package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pipelined.dev/decode"
	"pipelined.dev/decode/capture"
	"pipelined.dev/decode/capture/wav"
	"pipelined.dev/decode/engine"
	"pipelined.dev/decode/metric"
)

// signalKey is the config file section with decoder settings.
const signalKey = "signal"

var (
	errUnknownChannel = errors.New("unknown channel")
	errUnknownSource  = errors.New("unknown source")
)

func runCommand(v *viper.Viper, logger *logrus.Logger, e engine.Engine) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [input.wav]",
		Short: "Decode a WAV capture",
		Long: `Decode a WAV capture. Every WAV channel is a logic signal named CH1, CH2
and so on. Samples above the threshold are high.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd.Context(), v, logger, e, args[0], cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.Float64P("threshold", "t", 0.5, "high level as a fraction of full scale")
	flags.StringSliceP("decoder", "s", nil, "decoders to stack, bottom first")
	flags.StringToString("assign", nil, "channel=signal assignments, e.g. clk=CH1")
	flags.String("settings", "", "restore decoder settings from a yaml file")
	flags.String("save", "", "save decoder settings to a yaml file")
	flags.Int("chunk-length", decode.DefaultChunkLength, "decode chunk length in bytes")
	flags.Uint64("memory-limit", 0, "memory limit of a muxed segment in bytes, 0 is unlimited")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func runDecode(ctx context.Context, v *viper.Viper, logger *logrus.Logger, e engine.Engine, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := wav.NewReader(f,
		wav.WithThreshold(v.GetFloat64("threshold")),
		wav.WithStartTime(time.Now()),
		wav.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	c := r.NewSession()

	opts := []decode.Option{
		decode.WithLogger(logger),
		decode.WithChunkLength(v.GetInt("chunk-length")),
		decode.WithMemoryLimit(v.GetUint64("memory-limit")),
	}
	if addr := v.GetString("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		m, err := metric.New(reg)
		if err != nil {
			return err
		}
		stop := serveMetrics(addr, reg, logger)
		defer stop()
		opts = append(opts, decode.WithMetrics(m))
	}
	sig, err := decode.New(e, decode.Capture(c), opts...)
	if err != nil {
		return err
	}
	defer sig.Close()

	if err := configure(v, sig, c); err != nil {
		return err
	}
	if file := v.GetString("save"); file != "" {
		if err := saveSettings(file, sig.SaveSettings()); err != nil {
			return err
		}
	}

	c.AddListener(sig)
	defer c.RemoveListener(sig)
	events, cancel := sig.Subscribe(64)
	defer cancel()

	if err := r.Import(ctx, c); err != nil {
		return err
	}
	if err := wait(ctx, sig, c, events); err != nil {
		return err
	}
	return printAnnotations(out, sig)
}

// configure builds the decoder stack. Settings come from the settings file,
// the signal section of the config file or the decoder flag, in that order.
// Assignments from flags are applied last.
func configure(v *viper.Viper, sig *decode.Signal, c *capture.Session) error {
	switch {
	case v.GetString("settings") != "":
		settings, err := loadSettings(v.GetString("settings"))
		if err != nil {
			return err
		}
		if err := sig.RestoreSettings(settings); err != nil {
			return err
		}
	case v.IsSet(signalKey):
		var settings decode.Settings
		if err := v.UnmarshalKey(signalKey, &settings); err != nil {
			return fmt.Errorf("error reading %s settings: %w", signalKey, err)
		}
		if err := sig.RestoreSettings(settings); err != nil {
			return err
		}
	default:
		for _, id := range v.GetStringSlice("decoder") {
			if _, err := sig.StackDecoder(id); err != nil {
				return err
			}
		}
	}

	for name, source := range v.GetStringMapString("assign") {
		if err := assign(sig, c, name, source); err != nil {
			return err
		}
	}
	return nil
}

// assign sets the source of every decoder channel with provided id or name.
func assign(sig *decode.Signal, c *capture.Session, name, source string) error {
	var src decode.Source
	for _, ch := range c.Channels() {
		if strings.EqualFold(ch.Name(), source) {
			src = ch
		}
	}
	if src == nil {
		return fmt.Errorf("%w: %s", errUnknownSource, source)
	}
	var found bool
	for _, ch := range sig.Channels() {
		if strings.EqualFold(ch.Spec(), name) || strings.EqualFold(ch.Name, name) {
			if err := sig.AssignSignal(ch.ID, src); err != nil {
				return err
			}
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", errUnknownChannel, name)
	}
	return nil
}

func loadSettings(file string) (decode.Settings, error) {
	var settings decode.Settings
	data, err := os.ReadFile(file)
	if err != nil {
		return settings, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("%s: %w", file, err)
	}
	return settings, nil
}

func saveSettings(file string, settings decode.Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

// wait blocks until every captured sample is decoded. Events only speed up
// the check, they may be dropped.
func wait(ctx context.Context, sig *decode.Signal, c *capture.Session, events <-chan decode.Event) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := sig.Err(); err != nil {
			return err
		}
		if decoded(sig, c) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}

func decoded(sig *decode.Signal, c *capture.Session) bool {
	for id := 0; id < c.SegmentCount(); id++ {
		seg := c.Segment(uint32(id))
		if !seg.IsComplete() || sig.DecodedSampleCount(uint32(id), false) < seg.SampleCount() {
			return false
		}
	}
	return true
}

func printAnnotations(w io.Writer, sig *decode.Signal) error {
	for _, row := range sig.VisibleRows() {
		if _, err := fmt.Fprintln(w, row); err != nil {
			return err
		}
		for id := 0; id < sig.SegmentCount(); id++ {
			end := sig.DecodedSampleCount(uint32(id), false)
			for _, a := range sig.AnnotationSubset(row, uint32(id), 0, end) {
				if _, err := fmt.Fprintf(w, "  %d\t%d-%d\t%s\n", id, a.Start, a.End, a.Text()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// serveMetrics starts a metrics endpoint and returns a function that stops
// it.
func serveMetrics(addr string, reg *prometheus.Registry, logger logrus.FieldLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	logger.WithField("addr", addr).Info("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("metrics server shutdown")
		}
	}
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-rewrite/internal/arrowio"
	"github.com/23skdu/longbow-rewrite/internal/config"
	"github.com/23skdu/longbow-rewrite/internal/logger"
	"github.com/23skdu/longbow-rewrite/internal/modelstore"
	"github.com/23skdu/longbow-rewrite/internal/monitoring"
	"github.com/23skdu/longbow-rewrite/internal/pointer"
	"github.com/23skdu/longbow-rewrite/internal/rewrite"
	"github.com/23skdu/longbow-rewrite/internal/tokenizer"
)

const version = "0.3.0"

type app struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
}

// NewRootCommand builds the rewriter command tree with its own viper
// instance.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	d := config.Default()

	root := &cobra.Command{
		Use:           "rewriter",
		Short:         "Dialogue query rewriting with a pointer-generator decoder",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (yaml, json or toml)")
	pf.String("log-level", d.LogLevel, "log level: trace, debug, info, warn, error")
	pf.String("log-format", d.LogFormat, "log format: console or json")
	pf.String("metrics-addr", d.MetricsAddr, "address for /metrics and /health, empty to disable")
	pf.String("model", d.ModelPath, "GGUF model file or name[:tag] in the model store")
	pf.String("models-dir", d.ModelsDir, "model store directory (default ~/.rewrite/models)")
	pf.Int("beam-width", d.Decode.BeamWidth, "beam width, 1 decodes greedily")
	pf.Int("max-len", d.Decode.MaxDecodeLength, "maximum number of generated tokens")
	pf.Float64("length-penalty", d.Decode.LengthPenalty, "length normalization exponent")
	pf.Bool("sample", d.Decode.DoSample, "sample candidates instead of taking the top ones")
	pf.Uint64("seed", d.Decode.Seed, "sampling seed")

	a.bind(pf, "log_level", "log-level")
	a.bind(pf, "log_format", "log-format")
	a.bind(pf, "metrics_addr", "metrics-addr")
	a.bind(pf, "model_path", "model")
	a.bind(pf, "models_dir", "models-dir")
	a.bind(pf, "decode.beam_width", "beam-width")
	a.bind(pf, "decode.max_decode_length", "max-len")
	a.bind(pf, "decode.length_penalty", "length-penalty")
	a.bind(pf, "decode.do_sample", "sample")
	a.bind(pf, "decode.seed", "seed")

	root.AddCommand(
		a.rewriteCommand(),
		a.batchCommand(),
		a.initModelCommand(),
		a.inspectCommand(),
	)
	return root
}

func (a *app) bind(fs *pflag.FlagSet, key, flag string) {
	if err := a.v.BindPFlag(key, fs.Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

// service loads the model named by the configuration and starts the health
// server when metrics_addr is set. The returned func releases both.
func (a *app) service() (*rewrite.Service, func(), error) {
	cfg := a.cfg
	if cfg.ModelPath == "" {
		return nil, nil, fmt.Errorf("no model: pass --model or set model_path")
	}
	root, err := modelstore.Dir(cfg.ModelsDir)
	if err != nil {
		return nil, nil, err
	}
	path, err := modelstore.Resolve(root, cfg.ModelPath)
	if err != nil {
		return nil, nil, err
	}

	weights, err := pointer.LoadWeights(path)
	if err != nil {
		return nil, nil, err
	}
	model, err := pointer.NewModel(weights)
	if err != nil {
		return nil, nil, err
	}
	tok, err := tokenizer.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load vocabulary: %w", err)
	}
	cfg.Decode.EOSTokenID = tok.EOSID
	cfg.Decode.PadTokenID = tok.PadID

	monitor := monitoring.NewHealthMonitor(version)
	monitor.SetDecoder(monitoring.DecoderInfo{
		ModelLoaded: true,
		ModelPath:   path,
		VocabSize:   weights.Vocab,
		HiddenSize:  weights.Hidden,
		BeamWidth:   cfg.Decode.BeamWidth,
		Mode:        cfg.Decode.Mode(),
	})
	opts := []rewrite.Option{rewrite.WithRecorder(monitor)}

	var sink arrowio.Sink
	if cfg.FlightAddr != "" {
		fs, err := arrowio.NewFlightSink(cfg.FlightAddr, cfg.FlightPath)
		if err != nil {
			return nil, nil, err
		}
		sink = fs
	}

	svc, err := newService(cfg, model, tok, sink, opts...)
	if err != nil {
		return nil, nil, err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := monitor.Start(cfg.MetricsAddr); err != nil {
				logger.Log.Error("Health monitor stopped", "error", err)
			}
		}()
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = monitor.Stop(ctx)
		if err := svc.Close(); err != nil {
			logger.Log.Warn("Close failed", "error", err)
		}
	}
	return svc, cleanup, nil
}

// newService builds the rewrite service. The sink is owned by the service
// once this returns, and closed here when construction fails.
func newService(cfg config.Config, model rewrite.Model, tok *tokenizer.Tokenizer, sink arrowio.Sink, opts ...rewrite.Option) (*rewrite.Service, error) {
	if sink != nil {
		opts = append(opts, rewrite.WithSink(sink))
	}
	svc, err := rewrite.New(cfg, model, tok, opts...)
	if err != nil {
		if sink != nil {
			if cerr := sink.Close(); cerr != nil {
				logger.Log.Warn("Closing sink failed", "error", cerr)
			}
		}
		return nil, err
	}
	return svc, nil
}

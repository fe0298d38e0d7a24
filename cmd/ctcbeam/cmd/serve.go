package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/ctcbeam/internal/batch"
	"github.com/MeKo-Tech/ctcbeam/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the decode API",
	Long: `Start an HTTP server that provides decode endpoints.

The server provides the following endpoints:
  POST /decode        - Batch beam search over a JSON log-prob tensor
  GET  /decode/stream - WebSocket incremental decoding
  GET  /health        - Health check endpoint
  GET  /metrics       - Prometheus metrics

Examples:
  ctcbeam serve
  ctcbeam serve --port 8080
  ctcbeam serve --host 0.0.0.0 --port 3000 --lm-path lm.arpa --alphabet chars.txt`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Bind here rather than in init: decode shares several keys and
		// only the running command's flags may win.
		bindServeFlags(cmd)
		cfg := GetConfig()

		model, ab, err := buildLM(cfg)
		if err != nil {
			return err
		}

		srvCfg := server.Config{
			Host:        cfg.Server.Host,
			Port:        cfg.Server.Port,
			CORSOrigin:  cfg.Server.CORSOrigin,
			MaxUploadMB: cfg.Server.MaxUploadMB,
			TimeoutSec:  cfg.Server.TimeoutSec,
			DecodeOptions: batch.Options{
				BlankID:      cfg.Decoder.BlankID,
				BeamSize:     cfg.Decoder.BeamSize,
				NumProcesses: cfg.Decoder.NumProcesses,
				CutoffProb:   cfg.Decoder.CutoffProb,
				CutoffTopN:   cfg.Decoder.CutoffTopN,
				LM:           model,
			},
			Alphabet: ab,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("starting decode server", "host", srvCfg.Host, "port", srvCfg.Port,
			"beam_size", srvCfg.DecodeOptions.BeamSize, "lm", cfg.LM.ModelPath != "")
		return server.ListenAndServe(ctx, srvCfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "host interface to bind")
	serveCmd.Flags().Int("port", 8080, "port to listen on")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origin")
	serveCmd.Flags().Int64("max-upload-size", 64, "maximum request body size in MB")
	serveCmd.Flags().Int("timeout", 120, "request timeout in seconds")
	serveCmd.Flags().String("lm-path", "", "ARPA n-gram language model path")
	serveCmd.Flags().String("alphabet", "", "alphabet file (one entry per line)")
	serveCmd.Flags().String("unit", "word", "LM unit: char or word")
	serveCmd.Flags().Float64("alpha", 0, "language model weight")
	serveCmd.Flags().Float64("beta", 0, "word insertion bonus")
	serveCmd.Flags().Int("space-index", -1, "alphabet index of the word delimiter")
}

// bindServeFlags binds the serve flags to their config keys.
func bindServeFlags(cmd *cobra.Command) {
	_ = viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.cors_origin", cmd.Flags().Lookup("cors-origin"))
	_ = viper.BindPFlag("server.max_upload_mb", cmd.Flags().Lookup("max-upload-size"))
	_ = viper.BindPFlag("server.timeout_sec", cmd.Flags().Lookup("timeout"))
	_ = viper.BindPFlag("lm.model_path", cmd.Flags().Lookup("lm-path"))
	_ = viper.BindPFlag("lm.alphabet_path", cmd.Flags().Lookup("alphabet"))
	_ = viper.BindPFlag("lm.unit", cmd.Flags().Lookup("unit"))
	_ = viper.BindPFlag("lm.alpha", cmd.Flags().Lookup("alpha"))
	_ = viper.BindPFlag("lm.beta", cmd.Flags().Lookup("beta"))
	_ = viper.BindPFlag("lm.space_index", cmd.Flags().Lookup("space-index"))
}

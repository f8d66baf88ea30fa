package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
	"github.com/voxlabs/voxstack/internal/logger"
)

var (
	cfgPath string
	cfg     *config.Config
	log     *zap.Logger
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voxstack",
		Short: "Bootstrap and route the voice-and-document AI stack",
		Long: `voxstack brings a multi-service inference stack (speech-to-text,
text-to-speech, language model, unified API) to a verified-ready state and
load-balances traffic across service replicas.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// config init runs before a config exists.
			if cmd.Name() == "init" {
				return nil
			}
			return setup()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config search path (default: ., ./config, /etc/voxstack)")

	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newScaleCommand())
	rootCmd.AddCommand(newGatewayCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

func setup() error {
	_ = godotenv.Load()

	loaded, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	cfg = loaded

	zl, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return err
	}
	log = zl
	return nil
}

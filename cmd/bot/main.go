package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"trendbot/internal/config"
	"trendbot/internal/engine"
	"trendbot/internal/exchange/upbit"
	"trendbot/internal/logger"
	"trendbot/internal/notify"
	"trendbot/internal/store"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "trendbot",
		Short:         "Трендовый спот-бот для Upbit (EMA/RSI)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "путь к файлу конфигурации (по умолчанию configs/config.yaml)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(controlCmd("kill", "Включить аварийный выключатель и закрыть позиции", (*engine.Engine).KillSwitch))
	rootCmd.AddCommand(controlCmd("resume", "Снять аварийный выключатель", (*engine.Engine).ResumeTrading))
	rootCmd.AddCommand(controlCmd("stop", "Остановить новые циклы", (*engine.Engine).Stop))
	rootCmd.AddCommand(controlCmd("start", "Возобновить циклы", (*engine.Engine).Start))
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Запустить бота",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := config.Open(configPath)
			if err != nil {
				return err
			}
			cfg, err := src.Config()
			if err != nil {
				return err
			}

			logger := newLogger(cfg)
			st, err := store.Open(cfg.Runtime.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			sinks := []notify.Sink{notify.NewLogSink(logger)}
			if cfg.Notify.Telegram.Token != "" {
				tg, err := notify.NewTelegramSink(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
				if err != nil {
					logger.WithError(err).Warn("Telegram недоступен, уведомления только в журнал.")
				} else {
					sinks = append(sinks, tg)
				}
			}
			dispatcher := notify.NewDispatcher(cfg.Notify.QueueSize, logger, sinks...)

			client := upbit.New(cfg.Exchange.BaseURL, cfg.Exchange.WSURL, cfg.Exchange.AccessKey, cfg.Exchange.SecretKey, cfg.Exchange.Timeout, logger)
			eng, err := engine.New(engine.Deps{
				Config:   cfg,
				Client:   client,
				Store:    st,
				Notifier: dispatcher,
				Log:      logger,
			})
			if err != nil {
				return err
			}

			src.Watch(func(next *config.Config, err error) {
				if err != nil {
					logger.WithError(err).Error("Новая конфигурация отклонена.")
					return
				}
				if err := eng.ApplyParams(next.Params()); err != nil {
					logger.WithError(err).Error("Новые параметры отклонены.")
				}
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go dispatcher.Run(ctx)
			logger.Info("Бот запущен.")

			err = eng.Run(ctx)
			stop()
			<-dispatcher.Done()
			if err != nil {
				logger.WithError(err).Error("Движок завершился с ошибкой.")
				return err
			}
			logger.Info("Бот остановлен.")
			return nil
		},
	}
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})
}

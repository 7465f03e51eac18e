package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"trendbot/internal/config"
	"trendbot/internal/engine"
	"trendbot/internal/exchange/upbit"
	"trendbot/internal/logger"
	"trendbot/internal/store"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// offline собирает движок без клиента биржи. Подходит для команд, которые
// работают только с базой.
func offline(fn func(ctx context.Context, eng *engine.Engine, log *logger.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	st, err := store.Open(cfg.Runtime.DBPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := engine.New(engine.Deps{Config: cfg, Store: st, Log: log})
	if err != nil {
		return err
	}
	return fn(context.Background(), eng, log)
}

func statusCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Показать позиции, реестр капитала и последние заявки",
		RunE: func(cmd *cobra.Command, args []string) error {
			return offline(func(ctx context.Context, eng *engine.Engine, _ *logger.Logger) error {
				if err := eng.LoadPositions(ctx); err != nil {
					return err
				}
				st, err := eng.Status(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				switch format {
				case "json":
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				case "yaml":
					enc := yaml.NewEncoder(out)
					defer enc.Close()
					return enc.Encode(st)
				}
				return fmt.Errorf("Неизвестный формат вывода: %s.", format)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "формат вывода: yaml или json")
	return cmd
}

// controlCmd сохраняет флаг управления в базе. Запущенный бот подхватит его в
// начале следующего цикла.
func controlCmd(use, short string, action func(*engine.Engine, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return offline(func(ctx context.Context, eng *engine.Engine, log *logger.Logger) error {
				if err := action(eng, ctx); err != nil {
					return err
				}
				log.WithField("command", use).Info("Флаг управления сохранён.")
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Сверить незавершённые заявки с биржей и выйти",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			st, err := store.Open(cfg.Runtime.DBPath, log)
			if err != nil {
				return err
			}
			defer st.Close()

			client := upbit.New(cfg.Exchange.BaseURL, cfg.Exchange.WSURL, cfg.Exchange.AccessKey, cfg.Exchange.SecretKey, cfg.Exchange.Timeout, log)
			eng, err := engine.New(engine.Deps{Config: cfg, Client: client, Store: st, Log: log})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := eng.Restore(ctx); err != nil {
				return err
			}
			log.Info("Сверка завершена.")
			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcelMaron2k/evercare/internal/config"
	"github.com/MarcelMaron2k/evercare/internal/database"
	"github.com/MarcelMaron2k/evercare/internal/logger"
	"github.com/MarcelMaron2k/evercare/internal/models"
	"github.com/MarcelMaron2k/evercare/internal/redisx"
	"github.com/MarcelMaron2k/evercare/internal/report"
	"github.com/MarcelMaron2k/evercare/internal/repository"
	"github.com/MarcelMaron2k/evercare/internal/sensor"
	"github.com/MarcelMaron2k/evercare/internal/service"
	"github.com/MarcelMaron2k/evercare/internal/status"
)

const serviceName = "evercare-fall"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "EverCare fall detection and alert escalation engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newReplayCmd(),
		newHistoryCmd(),
		newWatchCmd(),
		newStatusCmd(),
	)
	return rootCmd
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

// signalContext 收到 SIGINT/SIGTERM 时取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================
// serve
// ============================================

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run fall monitoring and escalation for the configured user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			// 1. 创建服务
			fallService, err := service.NewFallService(cfg, log)
			if err != nil {
				log.Error("Failed to create fall service", zap.Error(err))
				return err
			}
			defer fallService.Stop()

			// 2. 启动服务，收到信号后优雅关闭
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if err := fallService.Start(ctx); err != nil {
				log.Error("Service error", zap.Error(err))
				return err
			}
			log.Info("Fall service stopped")
			return nil
		},
	}
}

// ============================================
// replay
// ============================================

type replayFlags struct {
	file           string
	units          string
	pace           bool
	deny           string
	caretakerName  string
	caretakerPhone string
}

func newReplayCmd() *cobra.Command {
	var flags replayFlags
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded accelerometer samples through detection and escalation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			return runReplay(cmd.Context(), cmd.OutOrStdout(), cfg, flags, log)
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "JSON Lines sample file")
	cmd.Flags().StringVar(&flags.units, "units", "", "sample units (g or ms2), defaults to SENSOR_UNITS")
	cmd.Flags().BoolVar(&flags.pace, "pace", false, "emit samples at the nominal sample period")
	cmd.Flags().StringVar(&flags.deny, "deny", "", "comma separated permissions to deny (sensor,location,phone,notifications)")
	cmd.Flags().StringVar(&flags.caretakerName, "caretaker-name", "", "caretaker display name")
	cmd.Flags().StringVar(&flags.caretakerPhone, "caretaker-phone", "", "caretaker phone number")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runReplay(ctx context.Context, out io.Writer, cfg *config.Config, flags replayFlags, log *zap.Logger) error {
	unitsName := flags.units
	if unitsName == "" {
		unitsName = cfg.Sensor.Units
	}
	units, err := sensor.ParseUnits(unitsName)
	if err != nil {
		return err
	}

	f, err := os.Open(flags.file)
	if err != nil {
		return fmt.Errorf("failed to open sample file: %w", err)
	}
	defer f.Close()

	samples, err := sensor.LoadSamplesJSONL(f, units)
	if err != nil {
		return fmt.Errorf("failed to load samples: %w", err)
	}

	opts, err := buildReplayOptions(flags)
	if err != nil {
		return err
	}
	if flags.pace {
		opts.Period = cfg.Sensor.SamplePeriod
	}

	ctx, cancel := signalContext(ctx)
	defer cancel()

	result, err := service.RunReplay(ctx, cfg, samples, opts, log)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func buildReplayOptions(flags replayFlags) (service.ReplayOptions, error) {
	perms, err := parsePermissions(flags.deny)
	if err != nil {
		return service.ReplayOptions{}, err
	}
	opts := service.ReplayOptions{Permissions: perms}

	if flags.caretakerName != "" {
		name := flags.caretakerName
		opts.Caretaker.Name = &name
	}
	if flags.caretakerPhone != "" {
		phone, err := models.ParsePhoneNumber(flags.caretakerPhone)
		if err != nil {
			return service.ReplayOptions{}, fmt.Errorf("invalid caretaker phone %q: %w", flags.caretakerPhone, err)
		}
		opts.Caretaker.Phone = &phone
	}
	return opts, nil
}

// parsePermissions 全部授权，再去掉 deny 列表中的权限
func parsePermissions(deny string) (models.PermissionSnapshot, error) {
	snapshot := models.PermissionSnapshot{Sensor: true, Location: true, Phone: true, Notifications: true}
	for _, p := range strings.Split(deny, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "":
		case "sensor":
			snapshot.Sensor = false
		case "location":
			snapshot.Location = false
		case "phone":
			snapshot.Phone = false
		case "notifications":
			snapshot.Notifications = false
		default:
			return models.PermissionSnapshot{}, fmt.Errorf("unknown permission %q", p)
		}
	}
	return snapshot, nil
}

// ============================================
// history
// ============================================

type historyFlags struct {
	userID    string
	out       string
	limit     int
	decisions bool
	failed    bool
}

func newHistoryCmd() *cobra.Command {
	var flags historyFlags
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Export a user's fall history to an Excel file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			if flags.userID == "" {
				flags.userID = cfg.UserID
			}
			if flags.userID == "" {
				return errors.New("--user or USER_ID is required")
			}

			db, err := database.NewPostgresDB(&cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close(db)

			ctx := cmd.Context()
			events, err := repository.NewFallEventsRepository(db, log).ListForUser(ctx, flags.userID, flags.limit)
			if err != nil {
				return err
			}

			var decisions []repository.DecisionSummary
			if flags.decisions || flags.failed {
				var outcome models.Outcome
				if flags.failed {
					outcome = models.OutcomeFailed
				}
				decisions, err = repository.NewEscalationDecisionsRepository(db, log).ListDecisions(ctx, flags.userID, outcome, flags.limit)
				if err != nil {
					return err
				}
			}

			data, err := report.GenerateFallHistoryExport(events, decisions)
			if err != nil {
				return err
			}
			if err := os.WriteFile(flags.out, data, 0o644); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "exported %d fall events to %s\n", len(events), flags.out)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.userID, "user", "", "user id, defaults to USER_ID")
	cmd.Flags().StringVarP(&flags.out, "out", "o", "fall_history.xlsx", "output file")
	cmd.Flags().IntVar(&flags.limit, "limit", repository.DefaultListLimit, "maximum number of events")
	cmd.Flags().BoolVar(&flags.decisions, "decisions", false, "include escalation decisions sheet")
	cmd.Flags().BoolVar(&flags.failed, "failed", false, "include only failed escalation decisions")
	return cmd
}

// ============================================
// watch / status
// ============================================

func newWatchCmd() *cobra.Command {
	var group, consumerName string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow confirmed fall events from the caretaker stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := redisx.Connect(ctx, &cfg.Redis)
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			defer client.Close()

			if consumerName == "" {
				consumerName = serviceName + "-" + uuid.New().String()[:8]
			}
			reporter := status.NewReporter(client, cfg.Cache.StatusKeyPrefix, cfg.Cache.StatusTTL, cfg.Cache.FallEventStream, log)
			enc := json.NewEncoder(cmd.OutOrStdout())

			backoff := time.Second
			for ctx.Err() == nil {
				events, err := reporter.ReadFallEvents(ctx, group, consumerName, 10, 5*time.Second)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					log.Warn("Failed to read fall events", zap.Error(err), zap.Duration("backoff", backoff))
					select {
					case <-ctx.Done():
					case <-time.After(backoff):
					}
					backoff *= 2
					if backoff > 30*time.Second {
						backoff = 30 * time.Second
					}
					continue
				}
				backoff = time.Second
				for _, e := range events {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "caretaker-dashboard", "consumer group")
	cmd.Flags().StringVar(&consumerName, "consumer", "", "consumer name, random when empty")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest monitoring status of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			if userID == "" {
				userID = cfg.UserID
			}
			if userID == "" {
				return errors.New("--user or USER_ID is required")
			}

			client, err := redisx.Connect(cmd.Context(), &cfg.Redis)
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			defer client.Close()

			reporter := status.NewReporter(client, cfg.Cache.StatusKeyPrefix, cfg.Cache.StatusTTL, cfg.Cache.FallEventStream, log)
			s, err := reporter.Latest(cmd.Context(), userID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id, defaults to USER_ID")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"OpenACP-Core/internal/app"
	"OpenACP-Core/internal/audit"
	"OpenACP-Core/internal/config"
	"OpenACP-Core/pkg/logger"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "acpd",
		Short: "Agent coordination daemon",
		Long: `acpd runs the capability registry, discovery service, decision auditor
and workflow orchestrator behind a management API.

The configuration file is taken from --config, then $ACP_CONFIG, then
configs/acp.yaml.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")

	load := func() (*config.Config, error) {
		path := config.ResolvePath(configPath)
		cfg, err := config.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && configPath == "" && os.Getenv(config.EnvConfigPath) == "" {
				return config.Default(), nil
			}
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load))
	root.AddCommand(newConfigCmd(load))
	root.AddCommand(newAuditCmd(load))
	return root
}

type configLoader func() (*config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the management API and workflow processor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				logger.L().Error("组件初始化失败", slog.Any("error", err))
				return err
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("acpd 运行失败", slog.Any("error", err))
				return err
			}
			logger.L().Info("acpd 已退出")
			return nil
		},
	}
}

func newConfigCmd(load configLoader) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print it with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			for i := range cfg.Server.Auth.Keys {
				cfg.Server.Auth.Keys[i].Token = "******"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return configCmd
}

func newAuditCmd(load configLoader) *cobra.Command {
	var (
		format string
		since  string
		until  string
		output string
	)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Work with the decision audit trail",
	}
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded decisions from the configured backend",
		Long: `Export decisions in one of the supported formats (json, jsonl, csv, yaml, cbor).

Examples:
  acpd audit export --format csv --since 2024-01-01T00:00:00Z
  acpd audit export --format cbor -o decisions.cbor`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			window, err := parseWindow(since, until)
			if err != nil {
				return err
			}
			auditor, closeFn, err := app.OpenAuditor(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := auditor.ExportAuditLog(cmd.Context(), format, window)
			if err != nil {
				return err
			}
			if err := result.Err(); err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(result.Data)
				return err
			}
			return os.WriteFile(output, result.Data, 0o644)
		},
	}
	exportCmd.Flags().StringVar(&format, "format", audit.DefaultFormat, "Export format")
	exportCmd.Flags().StringVar(&since, "since", "", "Only include decisions at or after this RFC3339 time")
	exportCmd.Flags().StringVar(&until, "until", "", "Only include decisions at or before this RFC3339 time")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	auditCmd.AddCommand(exportCmd)
	return auditCmd
}

func parseWindow(since, until string) (*audit.TimeRange, error) {
	if since == "" && until == "" {
		return nil, nil
	}
	var window audit.TimeRange
	if since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, fmt.Errorf("--since 必须为 RFC3339 时间: %w", err)
		}
		window.Start = ts
	}
	if until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return nil, fmt.Errorf("--until 必须为 RFC3339 时间: %w", err)
		}
		window.End = ts
	}
	return &window, nil
}

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"sitegate/auth"
	"sitegate/server"
)

const (
	defaultTemplateDir = "templates"
	defaultConfigFile  = "config.yaml"
)

type cli struct {
	logLevel    string
	templateDir string
	out         io.Writer
	logger      *slog.Logger
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:           "sitegate",
		Short:         "OIDC gateway showing sites based on token claims",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(c.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
			}
			c.logger = slog.New(slog.NewJSONHandler(c.out, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&c.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&c.templateDir, "template-dir", "t", defaultTemplateDir, "Directory holding custom templates")

	root.AddCommand(c.serveCmd())
	root.AddCommand(c.initTemplatesCmd())
	root.AddCommand(c.configCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	var (
		development bool
		noAuth      bool
	)
	cmd := &cobra.Command{
		Use:   "serve CONFIG_FILE",
		Short: "Start the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0], c.logger)
			if err != nil {
				return err
			}
			if development {
				cfg.Development = true
			}
			if noAuth {
				cfg.DisableAuth = true
			}
			if cmd.Flags().Changed("template-dir") || cfg.TemplateDir == "" {
				cfg.TemplateDir = c.templateDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, c.logger)
		},
	}
	cmd.Flags().BoolVarP(&development, "development", "d", false, "Development mode: reload templates, allow insecure cookies")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable authentication and show every site")
	return cmd
}

func (c *cli) initTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-templates",
		Short: "Write the built-in templates to the template directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := server.WriteBuiltinTemplates(c.templateDir)
			if err != nil {
				return err
			}
			c.logger.Info("templates initialized", "dir", c.templateDir, "written", written)
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(c.configInitCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "validate CONFIG_FILE",
		Short: "Validate a configuration file and check the authorization server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runConfigValidate(cmd.Context(), args[0], c.logger); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			c.logger.Info("configuration is valid", "path", args[0])
			return nil
		},
	})
	return cmd
}

func (c *cli) configInitCmd() *cobra.Command {
	cfg := server.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "init [CONFIG_FILE]",
		Short: "Write a default configuration file with fresh session keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := server.WriteDefaultConfig(path, cfg); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			c.logger.Info("configuration initialized successfully", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.AuthorizationServerURL, "authorization-server-url", "", "Issuer URL of the authorization server")
	cmd.Flags().StringVar(&cfg.ClientID, "client-id", "", "OAuth client id registered for the gateway")
	cmd.Flags().StringVar(&cfg.PublicURL, "public-url", "", "Externally visible base URL")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	cmd.Flags().BoolVar(&cfg.DisableAuth, "no-auth", false, "Write a configuration with authentication disabled")
	return cmd
}

func serve(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	handler := application.Routes()

	var shutdownFns []func(context.Context) error
	errCh := make(chan error, len(cfg.ListenAddrs())+1)

	if len(cfg.TLS.Domains) == 0 {
		for _, addr := range cfg.ListenAddrs() {
			srv := newHTTPServer(addr, handler)
			shutdownFns = append(shutdownFns, srv.Shutdown)
			logger.Info("server listening", "mode", "http", "addr", addr, "auth", cfg.AuthEnabled())
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
				}
			}()
		}
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domains...),
			Email:      cfg.TLS.Email,
		}

		httpRedirect := newHTTPServer(":80", m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)))
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := newHTTPServer(fmt.Sprintf(":%d", cfg.Port), handler)
		httpsSrv.TLSConfig = &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
			NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "https", "addr", httpsSrv.Addr, "domains", cfg.TLS.Domains, "auth", cfg.AuthEnabled())
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", httpsSrv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	return runErr
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger) error {
	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}
	logger.Info("configuration parsed", "sites", len(cfg.SiteList.Sites), "auth", cfg.AuthEnabled())

	if !cfg.AuthEnabled() {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.HTTP.Timeout)
	defer cancel()

	oidcCfg, err := auth.Discover(ctx, cfg.AuthorizationServerURL, &http.Client{Timeout: cfg.HTTP.Timeout})
	if err != nil {
		return err
	}
	keys, err := auth.FetchKeys(ctx, &http.Client{Timeout: cfg.HTTP.Timeout}, oidcCfg.JWKSURI)
	if err != nil {
		return err
	}
	logger.Info("authorization server is reachable", "issuer", oidcCfg.Issuer, "keys", len(keys.Keys))
	return nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dayboard/internal/config"
	appLog "dayboard/internal/log"
	"dayboard/internal/tokenserver"
	"dayboard/internal/web"
)

type configLoader func() (*config.Config, error)

func serveCmd(load configLoader) *cobra.Command {
	var (
		listen string
		once   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop and the agenda HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				cfg.Listen = listen
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			appLog.Info("dayboard starting", "version", version, "once", once)
			if !once {
				if err := a.cache.Start(ctx); err != nil {
					return fmt.Errorf("start scheduler: %w", err)
				}
			}
			if err := a.coord.Start(ctx); err != nil {
				appLog.Error("session restore failed", err)
			}
			if once {
				v := a.coord.View()
				appLog.Info("single sync done", "authenticated", v.Authenticated, "state", string(v.State), "error", v.LastError)
				return v.Err()
			}

			err = web.NewServer(cfg, a.coord, a.reg).Run(ctx)
			appLog.Info("dayboard exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&once, "once", false, "Run one sync cycle and exit")
	return cmd
}

func syncCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print the agenda as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.coord.Start(cmd.Context()); err != nil {
				return err
			}
			v := a.coord.View()
			if !v.Authenticated {
				return errors.New("not signed in; run `dayboard login --code ...` first")
			}
			return printJSON(v)
		},
	}
}

func loginCmd(load configLoader) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange an authorization code and store the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.coord.Login(cmd.Context(), code); err != nil {
				return err
			}
			v := a.coord.View()
			fmt.Fprintf(os.Stdout, "signed in; state=%s\n", v.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Authorization code from the consent redirect")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func logoutCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			a.coord.Logout()
			fmt.Fprintln(os.Stdout, "signed out")
			return nil
		},
	}
}

func tokenServerCmd(load configLoader) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "token-server",
		Short: "Run the credential-issuance endpoint (POST /auth, POST /refresh)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.TokenServer.Listen = listen
			}
			id, secret := cfg.TokenServer.ClientCredentials()
			srv := tokenserver.New(tokenserver.Config{
				ClientID:       id,
				ClientSecret:   secret,
				TokenURL:       cfg.TokenServer.TokenURL,
				AllowedOrigins: cfg.TokenServer.AllowedOrigins,
			})
			appLog.Info("token server starting", "listen", cfg.TokenServer.Listen, "client_configured", id != "" && secret != "")
			return web.ListenAndServe(cmd.Context(), cfg.TokenServer.Listen, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config if set)")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

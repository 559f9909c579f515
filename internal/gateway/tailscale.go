package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/copaw/internal/config"
)

// StartTailscale serves the mux on a tsnet listener when a hostname is
// configured. Returns a cleanup func (nil when tsnet is not enabled). Bring-up
// failures are logged, not fatal: the plain listener still serves.
func StartTailscale(ctx context.Context, cfg config.TailscaleConfig, mux *http.ServeMux) func() {
	if cfg.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       cfg.StateDir,
		AuthKey:   cfg.AuthKey,
		Ephemeral: cfg.Ephemeral,
	}
	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tsnet listen failed", "hostname", cfg.Hostname, "error", err)
		_ = srv.Close()
		return nil
	}
	slog.Info("status server on tailnet", "hostname", cfg.Hostname)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tsnet serve failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	return func() {
		_ = httpSrv.Close()
		_ = srv.Close()
	}
}

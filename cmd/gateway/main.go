package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/rcarmo/rdp-session/internal/config"
	"github.com/rcarmo/rdp-session/internal/handler"
	"github.com/rcarmo/rdp-session/internal/logging"
)

const (
	appName    = "rdp-session-gateway"
	appVersion = "v1.0.0"
)

func main() {
	hostFlag := flag.String("host", "", "gateway listen host")
	portFlag := flag.String("port", "", "gateway listen port")
	logLevelFlag := flag.String("log-level", "", "log level (debug, info, warn, error)")
	skipTLS := flag.Bool("skip-tls-verify", false, "skip TLS certificate validation toward RDP hosts")
	tlsServerName := flag.String("tls-server-name", "", "override TLS server name")
	versionFlag := flag.BoolP("version", "v", false, "show version")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", appName, appVersion)
		return
	}

	cfg := config.LoadWithOverrides(config.LoadOptions{
		Host:          *hostFlag,
		Port:          *portFlag,
		LogLevel:      *logLevelFlag,
		SkipTLSVerify: *skipTLS,
		TLSServerName: *tlsServerName,
	})

	logging.SetLevelFromString(cfg.Logging.Level)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      newMux(cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logging.Info("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logging.Error("shutdown: %v", err)
	}
}

func newMux(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/connect", handler.New(cfg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

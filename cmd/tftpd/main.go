package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/mna/tftp"
)

func main() {
	var (
		addr          string
		root          string
		timeout       time.Duration
		retries       int
		maxBlksize    uint16
		metricsListen string
		logLevel      string
	)

	pflag.StringVar(&addr, "listen", ":69", "address to listen on")
	pflag.StringVar(&root, "root", ".", "root directory served for RRQ/WRQ")
	pflag.DurationVar(&timeout, "timeout", 5*time.Second, "base per-packet retransmit timeout")
	pflag.IntVar(&retries, "retries", 3, "retransmit attempts before a session fails")
	pflag.Uint16Var(&maxBlksize, "max-blksize", 65464, "largest blksize the server will negotiate")
	pflag.StringVar(&metricsListen, "metrics-listen", "", "address to expose Prometheus metrics on, empty to disable")
	pflag.StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	pflag.Parse()

	base := logrus.New()
	base.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(logLevel); err == nil {
		base.SetLevel(lvl)
	}
	logger := tftp.NewLogrusLogger(base)

	reg := prometheus.NewRegistry()
	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsListen, mux); err != nil {
				base.WithError(err).Error("metrics listener exited")
			}
		}()
	}

	srv, err := tftp.NewServer(tftp.ServerConfig{
		Addr:       addr,
		Root:       root,
		Timeout:    timeout,
		Retries:    retries,
		MaxBlksize: maxBlksize,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "tftpd:", err)
		os.Exit(1)
	}

	// SIGINT (Ctrl-C) asks for a graceful drain: stop admitting new
	// transfers, let in-flight ones finish, then exit. SIGTERM (a plain
	// `kill`) asks for an immediate stop, abandoning whatever is in flight.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run() }()

	base.Infof("tftpd listening on %s, serving %s", addr, root)
	select {
	case sig := <-sigCh:
		graceful := sig == syscall.SIGINT
		base.Infof("received %s, shutting down (graceful=%v)", sig, graceful)
		if err := srv.Shutdown(graceful); err != nil {
			base.WithError(err).Warn("errors during shutdown")
		}
		<-runErr
	case err := <-runErr:
		if err != nil {
			fmt.Fprintln(os.Stderr, "tftpd:", err)
			os.Exit(1)
		}
	}
}

// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package driver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/akuzo/cacsi/pkg/authority/client"
	"github.com/akuzo/cacsi/pkg/dev"
	"github.com/akuzo/cacsi/pkg/driver"
	"github.com/akuzo/cacsi/pkg/driver/monitor"
	"github.com/akuzo/cacsi/pkg/registry"
	"github.com/akuzo/cacsi/pkg/utils/k8s"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
	"github.com/akuzo/cacsi/pkg/utils/metrics"
)

const (
	AuthorityEndpointFlag = "authority-endpoint"
	AuthorityTimeoutFlag  = "authority-timeout"
	CSIEndpointFlag       = "csi-endpoint"
	ClusterDomainFlag     = "cluster-domain"
	DebugHTTPListenFlag   = "debug-http-listen"
	MetricsAddrFlag       = "metrics-addr"
	NodeIDFlag            = "node-id"
	RenewalIntervalFlag   = "renewal-interval"
)

var (
	// Cmd is the cobra command to start the CSI node driver.
	Cmd = &cobra.Command{
		Use:   "driver",
		Short: "Start the CSI node driver",
		Long: `driver starts the CSI node plugin that provisions per-pod certificate
 volumes and keeps the certificates renewed until unmount.`,
		Run: func(cmd *cobra.Command, args []string) {
			execute()
		},
	}

	log = ulog.Log.WithName("driver")
)

func init() {
	Cmd.Flags().String(
		AuthorityEndpointFlag,
		"http://cacsi-authority:8080",
		"URL of the signing authority",
	)
	Cmd.Flags().Duration(
		AuthorityTimeoutFlag,
		client.DefaultTimeout,
		"Timeout for requests to the signing authority",
	)
	Cmd.Flags().String(
		CSIEndpointFlag,
		"unix:///csi/csi.sock",
		"Unix socket the CSI services listen on",
	)
	Cmd.Flags().String(
		ClusterDomainFlag,
		"cluster.local",
		"Cluster domain suffix used for default certificate common names",
	)
	Cmd.Flags().String(
		DebugHTTPListenFlag,
		"localhost:6060",
		"Listen address for debug HTTP server (only available in development mode)",
	)
	Cmd.Flags().String(
		MetricsAddrFlag,
		"",
		"Listen address for exposing metrics in the Prometheus format (empty to disable)",
	)
	Cmd.Flags().String(
		NodeIDFlag,
		"",
		"Name of the Kubernetes node this driver instance runs on (defaults to the hostname)",
	)
	Cmd.Flags().Duration(
		RenewalIntervalFlag,
		monitor.DefaultInterval,
		"Interval between renewal sweeps over the published certificates",
	)
	ulog.BindFlags(Cmd.Flags())

	// enable using dashed notation in flags and underscores in env
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := viper.BindPFlags(Cmd.Flags()); err != nil {
		log.Error(err, "Unexpected error while binding flags")
		os.Exit(1)
	}

	viper.AutomaticEnv()
}

func execute() {
	ulog.InitLogger()

	// update GOMAXPROCS to container cpu limit if necessary
	_, err := maxprocs.Set(maxprocs.Logger(func(s string, i ...interface{}) {
		// maxprocs needs an sprintf format string with args, but our logger needs a string with optional key value pairs,
		// so we need to do this translation
		log.Info(fmt.Sprintf(s, i...))
	}))
	if err != nil {
		log.Error(err, "Error setting GOMAXPROCS")
		os.Exit(1)
	}

	if dev.Enabled {
		// expose pprof if development mode is enabled
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		pprofServer := http.Server{
			Addr:    viper.GetString(DebugHTTPListenFlag),
			Handler: mux,
		}
		log.Info("Starting debug HTTP server", "addr", pprofServer.Addr)

		go func() {
			err := pprofServer.ListenAndServe()
			panic(err)
		}()
	}

	nodeID := viper.GetString(NodeIDFlag)
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Error(err, "Cannot determine the node ID")
			os.Exit(1)
		}
		nodeID = hostname
	}

	clientset, err := k8s.NewClientset()
	if err != nil {
		log.Error(err, "Unable to create the Kubernetes clientset")
		os.Exit(1)
	}

	authClient := client.NewClient(
		viper.GetString(AuthorityEndpointFlag),
		viper.GetDuration(AuthorityTimeoutFlag),
	)
	defer authClient.Close()

	reg := registry.New()
	d := driver.New(nodeID, viper.GetString(ClusterDomainFlag), authClient, k8s.NewAPISources(clientset), reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signalCh := make(chan os.Signal, 2)
		signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-signalCh:
			log.Info("Shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	go monitor.New(reg, authClient, driver.WriteCertificateFiles, viper.GetDuration(RenewalIntervalFlag)).Start(ctx)

	if metricsAddr := viper.GetString(MetricsAddrFlag); metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

		metricsServer := http.Server{
			Addr:    metricsAddr,
			Handler: mux,
		}
		log.Info("Exposing Prometheus metrics on /metrics", "addr", metricsAddr)

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				log.Error(err, "Metrics server stopped unexpectedly")
				os.Exit(1)
			}
		}()
	}

	if err := d.Run(ctx, viper.GetString(CSIEndpointFlag)); err != nil {
		log.Error(err, "CSI driver stopped unexpectedly")
		os.Exit(1)
	}
}

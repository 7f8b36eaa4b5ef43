// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package authority

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/akuzo/cacsi/pkg/authority"
	"github.com/akuzo/cacsi/pkg/certificates"
	"github.com/akuzo/cacsi/pkg/registry"
	"github.com/akuzo/cacsi/pkg/utils/k8s"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
	"github.com/akuzo/cacsi/pkg/utils/retry"
)

const (
	CASecretNameFlag      = "ca-secret-name"
	CASecretNamespaceFlag = "ca-secret-namespace"
	ListenAddrFlag        = "listen-addr"

	initialLoadRetryInterval = 30 * time.Second
)

var (
	// Cmd is the cobra command to start the signing authority.
	Cmd = &cobra.Command{
		Use:   "authority",
		Short: "Start the signing authority",
		Long: `authority starts the HTTP server that issues, renews and revokes
 pod certificates using the CA credential held in a Kubernetes secret.`,
		Run: func(cmd *cobra.Command, args []string) {
			execute()
		},
	}

	log = ulog.Log.WithName("authority")
)

func init() {
	Cmd.Flags().String(
		CASecretNameFlag,
		"csi-ca-secret",
		"Name of the Kubernetes secret holding the CA certificate and private key",
	)
	Cmd.Flags().String(
		CASecretNamespaceFlag,
		"kube-system",
		"Namespace of the CA secret",
	)
	Cmd.Flags().String(
		ListenAddrFlag,
		":8080",
		"Listen address of the certificate API server",
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

	clientset, err := k8s.NewClientset()
	if err != nil {
		log.Error(err, "Unable to create the Kubernetes clientset")
		os.Exit(1)
	}

	custodian := certificates.NewCustodian(
		k8s.NewAPISources(clientset),
		viper.GetString(CASecretNamespaceFlag),
		viper.GetString(CASecretNameFlag),
	)
	auth := authority.New(custodian, registry.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel, auth)

	// the CA secret may not exist at startup, serve not-ready and retry until it shows up
	go loadCA(ctx, auth)

	server := authority.NewServer(auth, viper.GetString(ListenAddrFlag))
	if err := server.Start(ctx); err != nil {
		log.Error(err, "Authority server stopped unexpectedly")
		os.Exit(1)
	}
}

// handleSignals reloads the CA credential on SIGHUP and cancels ctx on SIGINT or SIGTERM.
func handleSignals(ctx context.Context, cancel context.CancelFunc, auth *authority.Authority) {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-signalCh:
			if sig == syscall.SIGHUP {
				log.Info("Reloading the CA credential on SIGHUP")
				if err := auth.ReloadCA(ctx); err != nil {
					log.Error(err, "CA reload failed, the previous credential stays in use")
				}
				continue
			}
			log.Info("Shutting down", "signal", sig.String())
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// loadCA loads the CA credential, retrying until the CA secret becomes
// available. Signing requests are rejected as not loaded until then.
func loadCA(ctx context.Context, auth *authority.Authority) {
	err := retry.UntilSuccess(ctx, initialLoadRetryInterval, func() error {
		if auth.Ready() {
			// a SIGHUP reload got there first
			return nil
		}
		if err := auth.ReloadCA(ctx); err != nil {
			log.Error(err, "CA load failed, retrying", "retry_interval", initialLoadRetryInterval.String())
			return err
		}
		return nil
	})
	if err == nil {
		log.Info("CA credential loaded")
	}
}

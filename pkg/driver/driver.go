// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package driver implements the CSI node plugin serving pod scoped
// certificate volumes. Publishing a volume issues a certificate bound to the
// mounting pod through the certificate authority and writes the PEM material
// under the volume target path.
package driver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/container-storage-interface/spec/lib/go/csi"
	middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/akuzo/cacsi/pkg/authority/api"
	"github.com/akuzo/cacsi/pkg/registry"
	"github.com/akuzo/cacsi/pkg/utils/k8s"
	ulog "github.com/akuzo/cacsi/pkg/utils/log"
)

// DriverName is the plugin name registered with the kubelet.
const DriverName = "csi.k8s.cacsi-driver"

var log = ulog.Log.WithName("driver")

// Issuer is the part of the authority API the driver needs to provision and
// retire certificates. Satisfied by the authority client.
type Issuer interface {
	IssueCertificate(ctx context.Context, req api.IssueCertificateRequest) (*api.CertificateResponse, error)
	RevokeCertificate(ctx context.Context, certificateID string) error
}

// Driver implements the CSI identity and node services backing pod scoped
// certificate volumes.
type Driver struct {
	nodeID        string
	clusterDomain string

	issuer   Issuer
	pods     k8s.PodContextSource
	registry *registry.Registry
}

// New creates a node plugin issuing through issuer and recording published
// certificates in reg for the renewal monitor to find.
func New(nodeID, clusterDomain string, issuer Issuer, pods k8s.PodContextSource, reg *registry.Registry) *Driver {
	return &Driver{
		nodeID:        nodeID,
		clusterDomain: clusterDomain,
		issuer:        issuer,
		pods:          pods,
		registry:      reg,
	}
}

// Run serves the CSI services on endpoint until ctx is cancelled.
func (d *Driver) Run(ctx context.Context, endpoint string) error {
	listener, err := bindEndpoint(endpoint)
	if err != nil {
		return err
	}

	server := grpc.NewServer(
		middleware.WithUnaryServerChain(
			requestLogging,
			recovery.UnaryServerInterceptor(panicRecoveryOpts()...),
		),
	)
	csi.RegisterIdentityServer(server, d)
	csi.RegisterNodeServer(server, d)

	errChan := make(chan error, 1)
	go func() {
		log.Info("Serving CSI", "endpoint", endpoint, "node_id", d.nodeID)
		if err := server.Serve(listener); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return pkgerrors.Wrap(err, "while serving CSI")
	case <-ctx.Done():
	}

	server.GracefulStop()
	return nil
}

// bindEndpoint binds the unix socket behind a CSI endpoint such as
// unix:///csi/csi.sock. A socket file left over from a previous run is
// removed first, binding would fail otherwise.
func bindEndpoint(endpoint string) (net.Listener, error) {
	address := strings.TrimPrefix(endpoint, "unix://")
	if address == endpoint && strings.Contains(endpoint, "://") {
		return nil, pkgerrors.Errorf("unsupported CSI endpoint %q: only unix sockets are supported", endpoint)
	}

	if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "while creating socket directory for %s", address)
	}
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		return nil, pkgerrors.Wrapf(err, "while removing stale socket %s", address)
	}

	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "while listening on %s", address)
	}
	return listener, nil
}

func requestLogging(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		log.V(1).Info("CSI call failed", "method", info.FullMethod, "reason", err.Error())
		return resp, err
	}
	log.V(1).Info("CSI call", "method", info.FullMethod)
	return resp, nil
}

// panicRecoveryOpts logs a handler panic and turns it into an internal error
// instead of crashing the whole plugin.
func panicRecoveryOpts() []recovery.Option {
	return []recovery.Option{
		recovery.WithRecoveryHandler(func(p interface{}) error {
			log.Error(pkgerrors.Errorf("panic: %v", p), "CSI handler panicked")
			return status.Error(codes.Internal, "internal error")
		}),
	}
}

// asGRPCError translates an authority client error into the gRPC status the
// kubelet should see.
func asGRPCError(err error, msg string) error {
	switch {
	case api.IsInvalidArgument(err):
		return status.Errorf(codes.InvalidArgument, "%s: %v", msg, err)
	case api.IsNotFound(err):
		return status.Errorf(codes.NotFound, "%s: %v", msg, err)
	case api.IsNotLoaded(err):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", msg, err)
	default:
		return status.Errorf(codes.Internal, "%s: %v", msg, err)
	}
}

// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package driver

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/akuzo/cacsi/pkg/authority/api"
	"github.com/akuzo/cacsi/pkg/certificates"
	"github.com/akuzo/cacsi/pkg/driver/template"
	"github.com/akuzo/cacsi/pkg/registry"
	"github.com/akuzo/cacsi/pkg/utils/k8s"
	"github.com/akuzo/cacsi/pkg/utils/metrics"
)

// Volume attributes the kubelet passes on NodePublishVolume. The pod
// namespace and name come from the csi.storage.k8s.io reserved keys, the
// rest are set by the user on the volume definition.
const (
	podNamespaceKey = "csi.storage.k8s.io/pod.namespace"
	podNameKey      = "csi.storage.k8s.io/pod.name"

	cnTemplateAttribute   = "cn_template"
	orgUnitsAttribute     = "organizational_units"
	validityDaysAttribute = "validity_days"
)

// NodePublishVolume issues a certificate bound to the mounting pod and
// writes tls.crt/tls.key under the target path.
func (d *Driver) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id is required")
	}
	targetPath := req.GetTargetPath()
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	volumeContext := req.GetVolumeContext()
	namespace := volumeContext[podNamespaceKey]
	podName := volumeContext[podNameKey]
	if namespace == "" || podName == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s and %s are required volume attributes", podNamespaceKey, podNameKey)
	}

	certificateID := namespace + "-" + podName + "-" + req.GetVolumeId()

	validityDays := certificates.DefaultValidityDays
	if raw := volumeContext[validityDaysAttribute]; raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid %s %q: must be a positive integer", validityDaysAttribute, raw)
		}
		validityDays = days
	}

	cnTemplate := volumeContext[cnTemplateAttribute]
	ouAttribute := volumeContext[orgUnitsAttribute]

	// The pod context is only worth a round trip to the API server when an
	// attribute actually carries placeholders.
	var pod k8s.PodContext
	if template.HasTemplates(cnTemplate) || template.HasTemplates(ouAttribute) {
		var err error
		pod, err = d.pods.GetPodContext(ctx, namespace, podName)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "can't fetch pod %s/%s: %v", namespace, podName, err)
		}
	}

	commonName := fmt.Sprintf("%s.%s.svc.%s", podName, namespace, d.clusterDomain)
	if cnTemplate != "" {
		resolved, err := template.Resolve(cnTemplate, pod)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "can't resolve %s: %v", cnTemplateAttribute, err)
		}
		commonName = resolved
	}

	orgUnits, err := organizationalUnits(ouAttribute, pod)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "can't resolve %s: %v", orgUnitsAttribute, err)
	}

	if err := os.MkdirAll(targetPath, mountDirMode); err != nil {
		return nil, status.Errorf(codes.Internal, "can't create target path %s: %v", targetPath, err)
	}

	metadata := map[string]string{
		"pod_namespace": namespace,
		"pod_name":      podName,
	}
	resp, err := d.issuer.IssueCertificate(ctx, api.IssueCertificateRequest{
		CertificateID:       certificateID,
		CommonName:          commonName,
		DNSNames:            []string{podName},
		OrganizationalUnits: orgUnits,
		ValidityDays:        validityDays,
		Metadata:            metadata,
	})
	if err != nil {
		metrics.VolumePublishFailures.Inc()
		return nil, asGRPCError(err, "while issuing certificate "+certificateID)
	}

	if err := WriteCertificateFiles(targetPath, []byte(resp.CertificatePEM), []byte(resp.PrivateKeyPEM)); err != nil {
		metrics.VolumePublishFailures.Inc()
		return nil, status.Errorf(codes.Internal, "can't write certificate files: %v", err)
	}

	d.registry.Upsert(registry.CertificateRecord{
		CertificateID:       certificateID,
		CommonName:          commonName,
		DNSNames:            []string{podName},
		OrganizationalUnits: orgUnits,
		NotBefore:           resp.NotBefore,
		NotAfter:            resp.NotAfter,
		MountPath:           targetPath,
		Metadata:            metadata,
	})
	metrics.VolumesPublished.Inc()

	log.Info("Published certificate volume",
		"certificate_id", certificateID,
		"common_name", commonName,
		"target_path", targetPath,
		"expires", resp.NotAfter,
	)
	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume retires the certificates published under the target
// path and removes the files. Cleanup problems are logged, never returned:
// the kubelet must always be able to tear the pod down.
func (d *Driver) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id is required")
	}
	targetPath := req.GetTargetPath()
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	removed := d.registry.RemoveWhere(func(record registry.CertificateRecord) bool {
		return record.MountPath == targetPath || strings.HasSuffix(record.CertificateID, "-"+req.GetVolumeId())
	})

	for _, record := range removed {
		// Revocation keeps the authority registry in sync but must not block
		// the unmount.
		if err := d.issuer.RevokeCertificate(ctx, record.CertificateID); err != nil {
			log.Error(err, "Failed to revoke certificate", "certificate_id", record.CertificateID)
		}
	}

	if err := os.RemoveAll(targetPath); err != nil {
		log.Error(err, "Failed to remove target path", "target_path", targetPath)
	}

	metrics.VolumesUnpublished.Inc()
	log.Info("Unpublished certificate volume",
		"volume_id", req.GetVolumeId(),
		"target_path", targetPath,
		"records", len(removed),
	)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeStageVolume is a no-op, ephemeral volumes are fully prepared at
// publish time.
func (d *Driver) NodeStageVolume(context.Context, *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	return &csi.NodeStageVolumeResponse{}, nil
}

// NodeUnstageVolume is a no-op, see NodeStageVolume.
func (d *Driver) NodeUnstageVolume(context.Context, *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodeGetVolumeStats implements csi.NodeServer.
func (d *Driver) NodeGetVolumeStats(context.Context, *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "volume stats are not supported")
}

// NodeExpandVolume implements csi.NodeServer.
func (d *Driver) NodeExpandVolume(context.Context, *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "volume expansion is not supported")
}

// NodeGetCapabilities implements csi.NodeServer. No optional node
// capabilities are advertised.
func (d *Driver) NodeGetCapabilities(context.Context, *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	return &csi.NodeGetCapabilitiesResponse{}, nil
}

// NodeGetInfo implements csi.NodeServer.
func (d *Driver) NodeGetInfo(context.Context, *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{
		NodeId:            d.nodeID,
		MaxVolumesPerNode: 0,
	}, nil
}

// organizationalUnits parses the comma separated organizational_units volume
// attribute. Entries are either bare values or key:value pairs; templates in
// the value part are resolved against the pod context. Blank entries are
// dropped.
func organizationalUnits(attribute string, pod k8s.PodContext) ([]string, error) {
	var units []string
	for _, entry := range strings.Split(attribute, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		key, value, found := strings.Cut(entry, ":")
		if !found {
			resolved, err := template.Resolve(entry, pod)
			if err != nil {
				return nil, err
			}
			units = append(units, resolved)
			continue
		}

		resolved, err := template.Resolve(value, pod)
		if err != nil {
			return nil, err
		}
		units = append(units, key+":"+resolved)
	}
	return units, nil
}

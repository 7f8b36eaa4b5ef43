// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package driver

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/akuzo/cacsi/pkg/authority/api"
	"github.com/akuzo/cacsi/pkg/registry"
	"github.com/akuzo/cacsi/pkg/utils/k8s"
)

type fakeIssuer struct {
	mu        sync.Mutex
	issued    []api.IssueCertificateRequest
	revoked   []string
	issueErr  error
	revokeErr error
}

func (f *fakeIssuer) IssueCertificate(_ context.Context, req api.IssueCertificateRequest) (*api.CertificateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	f.issued = append(f.issued, req)
	days := req.ValidityDays
	if days == 0 {
		days = 7
	}
	now := time.Now()
	return &api.CertificateResponse{
		CertificateID:  req.CertificateID,
		CertificatePEM: "CERT-" + req.CertificateID,
		PrivateKeyPEM:  "KEY-" + req.CertificateID,
		NotBefore:      now,
		NotAfter:       now.Add(time.Duration(days) * 24 * time.Hour),
	}, nil
}

func (f *fakeIssuer) RevokeCertificate(_ context.Context, certificateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, certificateID)
	return nil
}

type fakePods struct {
	pod  k8s.PodContext
	err  error
	gets int
}

func (f *fakePods) GetPodContext(_ context.Context, _, _ string) (k8s.PodContext, error) {
	f.gets++
	if f.err != nil {
		return k8s.PodContext{}, f.err
	}
	return f.pod, nil
}

func newTestDriver(issuer *fakeIssuer, pods *fakePods) *Driver {
	return New("node-1", "cluster.local", issuer, pods, registry.New())
}

func publishRequest(volumeID, targetPath string, attrs map[string]string) *csi.NodePublishVolumeRequest {
	volumeContext := map[string]string{
		podNamespaceKey: "team-a",
		podNameKey:      "web-0",
	}
	for k, v := range attrs {
		volumeContext[k] = v
	}
	return &csi.NodePublishVolumeRequest{
		VolumeId:      volumeID,
		TargetPath:    targetPath,
		VolumeContext: volumeContext,
	}
}

func TestNodePublishVolume(t *testing.T) {
	issuer := &fakeIssuer{}
	pods := &fakePods{}
	d := newTestDriver(issuer, pods)
	target := filepath.Join(t.TempDir(), "mount")

	_, err := d.NodePublishVolume(context.Background(), publishRequest("vol-1", target, nil))
	require.NoError(t, err)

	cert, err := os.ReadFile(filepath.Join(target, "tls.crt"))
	require.NoError(t, err)
	assert.Equal(t, "CERT-team-a-web-0-vol-1", string(cert))
	key, err := os.ReadFile(filepath.Join(target, "tls.key"))
	require.NoError(t, err)
	assert.Equal(t, "KEY-team-a-web-0-vol-1", string(key))

	require.Len(t, issuer.issued, 1)
	issued := issuer.issued[0]
	assert.Equal(t, "web-0.team-a.svc.cluster.local", issued.CommonName)
	assert.Equal(t, []string{"web-0"}, issued.DNSNames)
	assert.Empty(t, issued.IPAddresses)
	assert.Equal(t, 7, issued.ValidityDays)
	assert.Equal(t, "team-a", issued.Metadata["pod_namespace"])
	assert.Equal(t, "web-0", issued.Metadata["pod_name"])

	record, ok := d.registry.Get("team-a-web-0-vol-1")
	require.True(t, ok)
	assert.Equal(t, target, record.MountPath)
	assert.Equal(t, "web-0.team-a.svc.cluster.local", record.CommonName)

	// No templates in the attributes, the pod was never fetched.
	assert.Equal(t, 0, pods.gets)
}

func TestNodePublishVolume_RepublishUpserts(t *testing.T) {
	issuer := &fakeIssuer{}
	d := newTestDriver(issuer, &fakePods{})
	target := filepath.Join(t.TempDir(), "mount")

	_, err := d.NodePublishVolume(context.Background(), publishRequest("vol-1", target, nil))
	require.NoError(t, err)
	_, err = d.NodePublishVolume(context.Background(), publishRequest("vol-1", target, nil))
	require.NoError(t, err)

	// The kubelet retried the publish, there is still exactly one record and
	// the files reflect the latest issuance.
	assert.Equal(t, 1, d.registry.Len())
	assert.Len(t, issuer.issued, 2)

	cert, err := os.ReadFile(filepath.Join(target, "tls.crt"))
	require.NoError(t, err)
	assert.Equal(t, "CERT-team-a-web-0-vol-1", string(cert))
}

func TestNodePublishVolume_TemplatedAttributes(t *testing.T) {
	issuer := &fakeIssuer{}
	pods := &fakePods{pod: k8s.PodContext{
		Metadata: map[string]string{
			"labels.app":  "web",
			"labels.team": "billing",
		},
		Spec: map[string]string{
			"nodeName": "node-1",
		},
	}}
	d := newTestDriver(issuer, pods)
	target := filepath.Join(t.TempDir(), "mount")

	_, err := d.NodePublishVolume(context.Background(), publishRequest("vol-1", target, map[string]string{
		cnTemplateAttribute:   "{metadata.labels.app}.team-a.example.com",
		orgUnitsAttribute:     "team:{metadata.labels.team}, platform, ,region:{spec.nodeName}",
		validityDaysAttribute: "3",
	}))
	require.NoError(t, err)

	require.Len(t, issuer.issued, 1)
	issued := issuer.issued[0]
	assert.Equal(t, "web.team-a.example.com", issued.CommonName)
	assert.Equal(t, []string{"team:billing", "platform", "region:node-1"}, issued.OrganizationalUnits)
	assert.Equal(t, 3, issued.ValidityDays)

	// Both templated attributes are served by a single pod fetch.
	assert.Equal(t, 1, pods.gets)
}

func TestNodePublishVolume_InvalidArguments(t *testing.T) {
	target := filepath.Join(t.TempDir(), "mount")

	tests := []struct {
		name    string
		req     *csi.NodePublishVolumeRequest
		wantMsg string
	}{
		{
			name:    "missing volume id",
			req:     publishRequest("", target, nil),
			wantMsg: "volume id is required",
		},
		{
			name:    "missing target path",
			req:     publishRequest("vol-1", "", nil),
			wantMsg: "target path is required",
		},
		{
			name: "missing pod attributes",
			req: &csi.NodePublishVolumeRequest{
				VolumeId:      "vol-1",
				TargetPath:    target,
				VolumeContext: map[string]string{},
			},
			wantMsg: "required volume attributes",
		},
		{
			name:    "validity days not a number",
			req:     publishRequest("vol-1", target, map[string]string{validityDaysAttribute: "soon"}),
			wantMsg: `invalid validity_days "soon"`,
		},
		{
			name:    "validity days zero",
			req:     publishRequest("vol-1", target, map[string]string{validityDaysAttribute: "0"}),
			wantMsg: `invalid validity_days "0"`,
		},
		{
			name:    "unresolvable cn template",
			req:     publishRequest("vol-1", target, map[string]string{cnTemplateAttribute: "{metadata.labels.nope}"}),
			wantMsg: "can't resolve cn_template",
		},
		{
			name:    "unresolvable organizational units",
			req:     publishRequest("vol-1", target, map[string]string{orgUnitsAttribute: "team:{status.podIP}"}),
			wantMsg: "can't resolve organizational_units",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &fakeIssuer{}
			d := newTestDriver(issuer, &fakePods{})

			_, err := d.NodePublishVolume(context.Background(), tt.req)
			require.Error(t, err)
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, codes.InvalidArgument, st.Code())
			assert.Contains(t, st.Message(), tt.wantMsg)
			assert.Empty(t, issuer.issued)
			assert.Equal(t, 0, d.registry.Len())
		})
	}
}

func TestNodePublishVolume_AuthorityErrors(t *testing.T) {
	newAPIErr := func(statusCode int, code api.ErrorCode) *api.Error {
		return &api.Error{
			Status:     http.StatusText(statusCode),
			StatusCode: statusCode,
			ErrorResponse: api.ErrorResponse{
				Error: api.ErrorDetail{Code: code, Message: "authority said no"},
			},
		}
	}

	tests := []struct {
		name     string
		issueErr error
		wantCode codes.Code
	}{
		{
			name:     "authority rejects the parameters",
			issueErr: newAPIErr(400, api.CodeInvalidArgument),
			wantCode: codes.InvalidArgument,
		},
		{
			name:     "authority CA not loaded",
			issueErr: newAPIErr(503, api.CodeNotLoaded),
			wantCode: codes.FailedPrecondition,
		},
		{
			name:     "authority internal error",
			issueErr: newAPIErr(500, api.CodeInternal),
			wantCode: codes.Internal,
		},
		{
			name:     "authority unreachable",
			issueErr: pkgerrors.New("connection refused"),
			wantCode: codes.Internal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &fakeIssuer{issueErr: tt.issueErr}
			d := newTestDriver(issuer, &fakePods{})
			target := filepath.Join(t.TempDir(), "mount")

			_, err := d.NodePublishVolume(context.Background(), publishRequest("vol-1", target, nil))
			require.Error(t, err)
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, st.Code())

			// The registry stays untouched, the created directory is left for
			// unpublish to clean up.
			assert.Equal(t, 0, d.registry.Len())
			assert.DirExists(t, target)
			assert.NoFileExists(t, filepath.Join(target, "tls.crt"))
		})
	}
}

func TestNodeUnpublishVolume(t *testing.T) {
	issuer := &fakeIssuer{}
	d := newTestDriver(issuer, &fakePods{})
	target := filepath.Join(t.TempDir(), "mount")

	_, err := d.NodePublishVolume(context.Background(), publishRequest("vol-1", target, nil))
	require.NoError(t, err)
	require.Equal(t, 1, d.registry.Len())

	_, err = d.NodeUnpublishVolume(context.Background(), &csi.NodeUnpublishVolumeRequest{
		VolumeId:   "vol-1",
		TargetPath: target,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, d.registry.Len())
	assert.NoDirExists(t, target)
	assert.Equal(t, []string{"team-a-web-0-vol-1"}, issuer.revoked)

	// Unpublishing an unknown volume still succeeds.
	_, err = d.NodeUnpublishVolume(context.Background(), &csi.NodeUnpublishVolumeRequest{
		VolumeId:   "vol-1",
		TargetPath: target,
	})
	assert.NoError(t, err)
	assert.Len(t, issuer.revoked, 1)
}

func TestNodeUnpublishVolume_MatchesByVolumeIDSuffix(t *testing.T) {
	issuer := &fakeIssuer{}
	d := newTestDriver(issuer, &fakePods{})

	// A record whose mount path no longer matches, e.g. after a kubelet
	// restart changed the pod UID path, is still matched by its volume id.
	d.registry.Upsert(registry.CertificateRecord{
		CertificateID: "team-a-web-0-vol-9",
		CommonName:    "web-0.team-a.svc.cluster.local",
		NotBefore:     time.Now(),
		NotAfter:      time.Now().Add(24 * time.Hour),
		MountPath:     "/var/lib/kubelet/pods/old-uid/volumes/mount",
	})

	_, err := d.NodeUnpublishVolume(context.Background(), &csi.NodeUnpublishVolumeRequest{
		VolumeId:   "vol-9",
		TargetPath: filepath.Join(t.TempDir(), "new-mount"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, d.registry.Len())
	assert.Equal(t, []string{"team-a-web-0-vol-9"}, issuer.revoked)
}

func TestNodeUnpublishVolume_RevokeFailureStillSucceeds(t *testing.T) {
	issuer := &fakeIssuer{revokeErr: pkgerrors.New("authority unreachable")}
	d := newTestDriver(issuer, &fakePods{})
	target := filepath.Join(t.TempDir(), "mount")

	_, err := d.NodePublishVolume(context.Background(), publishRequest("vol-1", target, nil))
	require.NoError(t, err)

	_, err = d.NodeUnpublishVolume(context.Background(), &csi.NodeUnpublishVolumeRequest{
		VolumeId:   "vol-1",
		TargetPath: target,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, d.registry.Len())
	assert.NoDirExists(t, target)
}

func TestNodeStageUnstage_NoOps(t *testing.T) {
	d := newTestDriver(&fakeIssuer{}, &fakePods{})

	stageResp, err := d.NodeStageVolume(context.Background(), &csi.NodeStageVolumeRequest{})
	require.NoError(t, err)
	assert.NotNil(t, stageResp)

	unstageResp, err := d.NodeUnstageVolume(context.Background(), &csi.NodeUnstageVolumeRequest{})
	require.NoError(t, err)
	assert.NotNil(t, unstageResp)
}

func TestNodeUnsupportedOperations(t *testing.T) {
	d := newTestDriver(&fakeIssuer{}, &fakePods{})

	_, err := d.NodeGetVolumeStats(context.Background(), &csi.NodeGetVolumeStatsRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = d.NodeExpandVolume(context.Background(), &csi.NodeExpandVolumeRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestNodeGetInfo(t *testing.T) {
	d := newTestDriver(&fakeIssuer{}, &fakePods{})

	resp, err := d.NodeGetInfo(context.Background(), &csi.NodeGetInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, "node-1", resp.NodeId)
	assert.Zero(t, resp.MaxVolumesPerNode)
}

func TestNodeGetCapabilities_Empty(t *testing.T) {
	d := newTestDriver(&fakeIssuer{}, &fakePods{})

	resp, err := d.NodeGetCapabilities(context.Background(), &csi.NodeGetCapabilitiesRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Capabilities)
}

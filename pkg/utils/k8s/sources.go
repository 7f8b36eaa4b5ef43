// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package k8s

import (
	"context"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// SecretSource fetches the raw data of a Kubernetes Secret.
type SecretSource interface {
	GetSecretData(ctx context.Context, namespace, name string) (map[string][]byte, error)
}

// PodContextSource fetches the attributes of a Pod that identity templates can reference.
type PodContextSource interface {
	GetPodContext(ctx context.Context, namespace, name string) (PodContext, error)
}

// PodContext is a flattened view over a Pod. Metadata holds name, namespace,
// uid and the labels.<key> and annotations.<key> entries. Spec holds the
// scalar spec fields that are set on the Pod.
type PodContext struct {
	Metadata map[string]string
	Spec     map[string]string
}

// APISources implements SecretSource and PodContextSource against the API server.
type APISources struct {
	clientset kubernetes.Interface
}

var (
	_ SecretSource     = &APISources{}
	_ PodContextSource = &APISources{}
)

// NewAPISources returns sources backed by the given clientset.
func NewAPISources(clientset kubernetes.Interface) *APISources {
	return &APISources{clientset: clientset}
}

func (s *APISources) GetSecretData(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	secret, err := s.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "while fetching secret %s/%s", namespace, name)
	}
	return secret.Data, nil
}

func (s *APISources) GetPodContext(ctx context.Context, namespace, name string) (PodContext, error) {
	pod, err := s.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return PodContext{}, errors.Wrapf(err, "while fetching pod %s/%s", namespace, name)
	}

	metadata := map[string]string{
		"name":      pod.Name,
		"namespace": pod.Namespace,
		"uid":       string(pod.UID),
	}
	for k, v := range pod.Labels {
		metadata["labels."+k] = v
	}
	for k, v := range pod.Annotations {
		metadata["annotations."+k] = v
	}

	spec := map[string]string{}
	for key, value := range map[string]string{
		"serviceAccountName": pod.Spec.ServiceAccountName,
		"nodeName":           pod.Spec.NodeName,
		"hostname":           pod.Spec.Hostname,
		"subdomain":          pod.Spec.Subdomain,
		"priorityClassName":  pod.Spec.PriorityClassName,
	} {
		if value != "" {
			spec[key] = value
		}
	}

	return PodContext{Metadata: metadata, Spec: spec}, nil
}

// Package provision materializes the registry pull credential inside a
// target execution namespace. The credential material is consumed, never
// generated, here: it arrives as a docker config JSON payload and leaves as
// a kubernetes.io/dockerconfigjson Secret the cluster's pod-creation path
// picks up. Nothing in this package logs or prints the material.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
)

// Provisioner applies pull credentials to namespaces.
type Provisioner struct {
	client     kubernetes.Interface
	secretName string
	log        *btlog.Logger
}

// NewProvisioner creates a Provisioner that manages the named pull secret.
func NewProvisioner(client kubernetes.Interface, secretName string, log *btlog.Logger) *Provisioner {
	return &Provisioner{client: client, secretName: secretName, log: log}
}

// dockerConfig is the minimal shape of a docker config JSON payload; only
// enough is decoded to validate the material, never to inspect it.
type dockerConfig struct {
	Auths map[string]json.RawMessage `json:"auths"`
}

// Apply ensures the pull secret exists in the namespace with the given
// credential material. It is idempotent: re-applying identical material is a
// no-op, differing material updates the secret in place. A missing namespace
// or malformed material fails with bterr.CodeProvisioning.
func (p *Provisioner) Apply(ctx context.Context, namespace string, material []byte) error {
	var cfg dockerConfig
	if err := json.Unmarshal(material, &cfg); err != nil || len(cfg.Auths) == 0 {
		return bterr.Newf(bterr.CodeProvisioning, "credential material is not a docker config with auths")
	}

	if _, err := p.client.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return bterr.Newf(bterr.CodeProvisioning, "namespace %q does not exist", namespace)
		}
		return bterr.New(bterr.CodeProvisioning, err)
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.secretName,
			Namespace: namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "btq"},
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{
			corev1.DockerConfigJsonKey: material,
		},
	}

	secrets := p.client.CoreV1().Secrets(namespace)
	_, err := secrets.Create(ctx, secret, metav1.CreateOptions{})
	if err == nil {
		p.log.Info("pull secret created", "namespace", namespace, "secret", p.secretName)
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return bterr.New(bterr.CodeProvisioning, err)
	}

	existing, err := secrets.Get(ctx, p.secretName, metav1.GetOptions{})
	if err != nil {
		return bterr.New(bterr.CodeProvisioning, err)
	}
	if bytes.Equal(existing.Data[corev1.DockerConfigJsonKey], material) {
		p.log.Info("pull secret unchanged", "namespace", namespace, "secret", p.secretName)
		return nil
	}

	existing.Type = corev1.SecretTypeDockerConfigJson
	if existing.Data == nil {
		existing.Data = map[string][]byte{}
	}
	existing.Data[corev1.DockerConfigJsonKey] = material
	if _, err := secrets.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return bterr.New(bterr.CodeProvisioning, err)
	}

	p.log.Info("pull secret updated", "namespace", namespace, "secret", p.secretName)
	return nil
}

// Check verifies the pull secret is provisioned in the namespace. The
// dispatcher calls this before submitting anything: a missing credential is
// a precondition failure, not something to discover job by job.
func (p *Provisioner) Check(ctx context.Context, namespace string) error {
	secret, err := p.client.CoreV1().Secrets(namespace).Get(ctx, p.secretName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return bterr.Newf(bterr.CodeProvisioning,
				"pull secret %q not provisioned in namespace %q", p.secretName, namespace)
		}
		return bterr.New(bterr.CodeProvisioning, err)
	}
	if secret.Type != corev1.SecretTypeDockerConfigJson {
		return bterr.Newf(bterr.CodeProvisioning,
			"secret %q in namespace %q is not a dockerconfigjson secret", p.secretName, namespace)
	}
	return nil
}

// MaterialFromCredentials builds docker config JSON for a single registry
// from a username/password pair, for callers that hold discrete credentials
// rather than a config file.
func MaterialFromCredentials(registryHost, username, password string) ([]byte, error) {
	cfg := map[string]any{
		"auths": map[string]any{
			registryHost: map[string]string{
				"username": username,
				"password": password,
			},
		},
	}
	buf, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding credential material: %w", err)
	}
	return buf, nil
}

package provision

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/quantfold/btq/pkg/bterr"
	"github.com/quantfold/btq/pkg/btlog"
)

func testMaterial(t *testing.T) []byte {
	t.Helper()
	m, err := MaterialFromCredentials("registry.example.com", "bob", "hunter2")
	if err != nil {
		t.Fatalf("MaterialFromCredentials: %v", err)
	}
	return m
}

func newTestProvisioner() (*Provisioner, *fake.Clientset) {
	cs := fake.NewSimpleClientset()
	return NewProvisioner(cs, "btq-registry-pull", btlog.NewQuiet()), cs
}

func mustNamespace(t *testing.T, cs *fake.Clientset, name string) {
	t.Helper()
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if _, err := cs.CoreV1().Namespaces().Create(context.Background(), ns, metav1.CreateOptions{}); err != nil {
		t.Fatalf("creating namespace: %v", err)
	}
}

func TestApplyCreatesSecret(t *testing.T) {
	p, cs := newTestProvisioner()
	mustNamespace(t, cs, "btq")

	material := testMaterial(t)
	if err := p.Apply(context.Background(), "btq", material); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	secret, err := cs.CoreV1().Secrets("btq").Get(context.Background(), "btq-registry-pull", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("secret not created: %v", err)
	}
	if secret.Type != corev1.SecretTypeDockerConfigJson {
		t.Fatalf("secret type = %q, want dockerconfigjson", secret.Type)
	}
	if string(secret.Data[corev1.DockerConfigJsonKey]) != string(material) {
		t.Fatal("secret data does not match material")
	}
}

func TestApplyIdempotent(t *testing.T) {
	p, cs := newTestProvisioner()
	mustNamespace(t, cs, "btq")

	material := testMaterial(t)
	for i := 0; i < 2; i++ {
		if err := p.Apply(context.Background(), "btq", material); err != nil {
			t.Fatalf("Apply #%d: %v", i+1, err)
		}
	}
	if err := p.Check(context.Background(), "btq"); err != nil {
		t.Fatalf("Check after repeated Apply: %v", err)
	}
}

func TestApplyUpdatesChangedMaterial(t *testing.T) {
	p, cs := newTestProvisioner()
	mustNamespace(t, cs, "btq")

	if err := p.Apply(context.Background(), "btq", testMaterial(t)); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	rotated, err := MaterialFromCredentials("registry.example.com", "bob", "rotated")
	if err != nil {
		t.Fatalf("MaterialFromCredentials: %v", err)
	}
	if err := p.Apply(context.Background(), "btq", rotated); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	secret, err := cs.CoreV1().Secrets("btq").Get(context.Background(), "btq-registry-pull", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(secret.Data[corev1.DockerConfigJsonKey]) != string(rotated) {
		t.Fatal("secret was not updated with rotated material")
	}
}

func TestApplyMissingNamespace(t *testing.T) {
	p, _ := newTestProvisioner()
	err := p.Apply(context.Background(), "nowhere", testMaterial(t))
	if !bterr.IsCode(err, bterr.CodeProvisioning) {
		t.Fatalf("err = %v, want provisioning error", err)
	}
}

func TestApplyMalformedMaterial(t *testing.T) {
	p, cs := newTestProvisioner()
	mustNamespace(t, cs, "btq")

	for _, material := range [][]byte{
		[]byte("not json"),
		[]byte(`{"auths":{}}`),
		[]byte(`{}`),
	} {
		if err := p.Apply(context.Background(), "btq", material); !bterr.IsCode(err, bterr.CodeProvisioning) {
			t.Fatalf("material %q: err = %v, want provisioning error", material, err)
		}
	}
}

func TestCheckUnprovisioned(t *testing.T) {
	p, cs := newTestProvisioner()
	mustNamespace(t, cs, "btq")

	if err := p.Check(context.Background(), "btq"); !bterr.IsCode(err, bterr.CodeProvisioning) {
		t.Fatalf("Check on empty namespace: err = %v, want provisioning error", err)
	}
}

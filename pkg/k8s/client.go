// Package k8s builds the shared Kubernetes clientset.
package k8s

import (
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClient creates a new Kubernetes clientset. An empty kubeconfig selects
// the default resolution: in-cluster config (service account), then
// KUBECONFIG, then ~/.kube/config.
func NewClient(kubeconfig string) (*kubernetes.Clientset, error) {
	config, err := GetConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}

// GetConfig returns a Kubernetes REST config. A non-empty kubeconfig path
// overrides the default resolution order.
func GetConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}

	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}

	kubeconfig = os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

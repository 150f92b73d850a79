package btcfg

import (
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "btq"

// normalizeKey converts a registry host and username into a stable keyring
// key. Trailing slashes are trimmed and the host lowercased so variants like
// registry.example.com/ and REGISTRY.example.com do not duplicate entries.
func normalizeKey(registryHost, user string) string {
	host := strings.TrimSpace(registryHost)
	host = strings.TrimRight(host, "/")
	host = strings.ToLower(host)
	return host + "/" + user
}

// SaveRegistryPassword stores the registry password in the OS keyring. The
// password never touches the config file or the process environment this way.
func SaveRegistryPassword(registryHost, user, password string) error {
	return keyring.Set(keyringService, normalizeKey(registryHost, user), password)
}

// LoadRegistryPassword retrieves the stored registry password.
func LoadRegistryPassword(registryHost, user string) (string, error) {
	return keyring.Get(keyringService, normalizeKey(registryHost, user))
}

// DeleteRegistryPassword removes the stored registry password, for logout.
func DeleteRegistryPassword(registryHost, user string) error {
	return keyring.Delete(keyringService, normalizeKey(registryHost, user))
}

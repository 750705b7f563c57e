package config

import "strings"

// Environment identifies the runtime environment where Kora operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// KMSMode selects how decryption requests leave the engine.
type KMSMode string

const (
	// KMSLocal decrypts and signs in-process with the configured signer keys.
	KMSLocal KMSMode = "local"
	// KMSExternal waits for an external relayer to post signed results to the callback endpoint.
	KMSExternal KMSMode = "external"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

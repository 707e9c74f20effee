// Package config loads the issuer and client configuration.
//
// Values are layered, later sources winning:
//
//	1. Default()
//	2. a YAML file: $LICENSE_CONFIG_FILE, ./config.yaml or ./configs/config.yaml
//	3. LICENSE_* environment variables
//
// Environment names follow the struct nesting, for example:
//
//	LICENSE_SERVER_PORT=3001
//	LICENSE_ISSUER_PRIVATE_KEY_FILE=license_private_key.pem
//	LICENSE_DEDUP_BACKEND=redis
//	LICENSE_DEDUP_REDIS_URL=redis://localhost:6379/0
//	LICENSE_KAFKA_ENABLED=true
//	LICENSE_CLIENT_CACHE_PATH=~/.licensegate/entitlement.json
//
// Default() carries no private key; the issuer refuses to start without
// one. The client's issuer URL and grace policy are compiled in with the
// public key (see package entitlement) and have no config keys.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	ttl := cfg.Issuer.DefaultTTL() // nil means the license never expires
package config

// Package config provides loading and environment overlay for courier
// configuration. It exposes a Default() baseline, JSON file loading, and a
// COURIER_* environment overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/courier.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
package config

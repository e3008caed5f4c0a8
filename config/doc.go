// Package config loads and hot-reloads termstream configuration.
//
// Configuration is assembled from layers: built-in defaults, then each file
// added with AddLayer (JSON or YAML, chosen by extension) deep-merged in
// order, then TERMSTREAM_* environment overrides. Duration values may be
// written as strings ("250ms", "10m", "14d") in any layer.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/termstream/base.yaml")
//	loader.AddLayer("/etc/termstream/site.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// SafeConfig holds the live configuration behind a RWMutex and hands out
// deep copies. Watcher re-runs the loader whenever a layer file changes and
// notifies subscribers; the table map and the text push rate limit are
// applied this way without a restart.
package config

// Package config loads, validates and distributes the costguard
// configuration.
//
// A configuration file is YAML. Loading decodes it with unknown keys
// rejected, fills control-plane defaults (see defaults.go), applies
// COSTGUARD_* environment overrides and validates the result:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("costguard.yaml")
//
// Validation collects every problem into a ValidationError of FieldErrors
// addressed by dotted path, e.g. "guard.rules.team-a[0]". Rule books
// (guard rules, alert rules, action rules, scheduler tasks, routing rules)
// are checked with the same validation their component applies, so a
// configuration that loads is accepted everywhere.
//
// # Environment Variable Overrides
//
// Variables follow COSTGUARD_SECTION_FIELD:
//
//   - COSTGUARD_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - COSTGUARD_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//   - COSTGUARD_REDIS_ADDR overrides redis.addr
//
// A value that does not parse fails the load.
//
// # Snapshots and Reloads
//
// A loaded *Config is immutable. A Store holds the current snapshot behind
// an atomic pointer; Swap validates a candidate, replaces the snapshot and
// notifies subscribers, which apply the parts they own. A Watcher reloads
// the file through the Store when it changes, debouncing bursts of writes.
// A rejected reload keeps the previous snapshot.
//
// Component sections convert into the configuration types of their
// packages with Build; fields left zero take the component defaults.
package config

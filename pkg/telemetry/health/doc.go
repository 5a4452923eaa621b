// Package health implements the liveness and readiness probes.
//
// The control plane registers one check per dependency. Storage is
// critical; Redis and the delivery queue are optional, so losing them
// reports "degraded" without taking the process out of rotation:
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.Register("storage", store.Ping)
//	checker.RegisterOptional("redis", redisStore.Ping)
//
// Checks run concurrently, each bounded by the checker's timeout.
package health

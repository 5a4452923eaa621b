// Package guard evaluates budget rules for a scope and decides whether a
// request may proceed.
//
// # Overview
//
// A Guard holds, per scope, the spend ledger (limit, committed spend and
// in-flight reservations), the latest forecast projection and anomaly
// severity with the time they were produced, and the rule set. Evaluate
// combines these with the request context and returns a Decision:
//
//   - allow: the request proceeds
//   - warn: the request proceeds and the caller is told why
//   - throttle: the request proceeds after ThrottleDelay
//   - downgrade: the request proceeds on DowngradeModel
//   - block: the request is refused; Decision.Err describes why
//
// # Precedence
//
// Rules are sorted by priority (descending), then by the number of
// conditions (descending), then by rule id. The first rule whose conditions
// all hold decides. No match allows the request.
//
// An open circuit breaker blocks before any rule runs (reason circuit-open).
// A rule that depends on forecast or anomaly data older than the staleness
// threshold blocks (reason stale-data).
//
// # Usage
//
//	g := guard.New(guard.DefaultConfig(), guard.WithBreaker(br))
//	g.SetLimit("team-a", 100)
//	_ = g.SetRules("team-a", []guard.Rule{{
//	    ID:       "hard-90",
//	    Name:     "absolute spend ≥ 90%",
//	    Priority: 100,
//	    Conditions: []guard.Condition{{Kind: guard.PercentOfLimit, Percent: 90}},
//	    Action:   guard.ActionBlock,
//	}})
//
//	d, err := g.Evaluate(ctx, "team-a", guard.RequestContext{EstimatedCost: 10})
//	if err != nil { ... }
//	if !d.Allowed {
//	    return d.Err()
//	}
//
// # Thread Safety
//
// Evaluation and spend reservation for one scope run under that scope's lock,
// so two requests near the limit cannot both pass. Scopes never block each
// other.
package guard

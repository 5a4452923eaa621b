// Package features turns a stream of usage records into fixed-size,
// per-scope feature windows.
//
// Windows are aligned to the window size and contiguous: every closed window
// of a scope starts exactly where the previous one ended. Periods without
// traffic produce empty windows rather than gaps, so downstream detectors see
// drops to zero as data.
//
// Records may arrive out of order. A record timestamped before the open
// window is folded into the open window as long as it is within the
// configured slack; older records are rejected with a StaleRecordError.
//
// # Usage
//
//	ex := features.NewExtractor(features.Config{Window: 15 * time.Minute},
//	    features.WithSink(func(v features.Vector) { detector.Observe(v) }))
//
//	if err := ex.Add(record); err != nil {
//	    var stale *features.StaleRecordError
//	    if errors.As(err, &stale) { ... }
//	}
//
//	// periodically
//	ex.Flush(time.Now())
package features

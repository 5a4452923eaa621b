// Package patterns detects anomalies and trends in per-scope feature windows.
//
// Each scope keeps a rolling baseline of its most recent windows. A new
// window is scored against that baseline before it joins it; scores above
// the configured thresholds become anomalies graded low to critical. When
// several anomalies fire on the same window, the most severe one is the
// window's primary anomaly, and among equally severe ones the metric
// evaluated last wins. Evaluation order is cost, requests, latency, error
// rate, off-hours, drift, plateau.
//
// Trend analysis fits an ordinary least squares line to the last
// TrendWindows windows and classifies it as rising, falling, flat or
// volatile (R² below 0.3).
package patterns

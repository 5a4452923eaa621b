// Package forecast projects the spend curve of a scope and the date its
// budget runs out.
//
// Feature windows are resampled into hourly, daily or weekly buckets. The
// forecast is additive: a level taken from the fitted trend line (or the
// recent mean when there is no clear trend), plus slope times step, plus a
// seasonal component from the hour-of-day or weekday profile. Bands widen
// with distance as z·σ·sqrt(1+i/10) and confidence decays as exp(-0.05·i).
//
// Project walks the curve from the current spend until it crosses the
// limit and interpolates the crossing inside the period where it happens.
package forecast

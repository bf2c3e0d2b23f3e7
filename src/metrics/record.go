// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package metrics

// RecordFetch counts one intercepted request.
func RecordFetch(strategy, source string) {
	if !IsEnabled() {
		return
	}
	FetchTotal.WithLabelValues(strategy, source).Inc()
}

// RecordRevalidation counts a background refresh outcome:
// updated, skipped, throttled or error.
func RecordRevalidation(result string) {
	if !IsEnabled() {
		return
	}
	RevalidationsTotal.WithLabelValues(result).Inc()
}

// RecordLifecycle counts install, activate and update events.
func RecordLifecycle(event string, err error) {
	if !IsEnabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	LifecycleEventsTotal.WithLabelValues(event, result).Inc()
}

// UpdateBucket sets the size gauges of one bucket.
func UpdateBucket(bucket string, entries int, bytes int64) {
	if !IsEnabled() {
		return
	}
	BucketEntries.WithLabelValues(bucket).Set(float64(entries))
	BucketBytes.WithLabelValues(bucket).Set(float64(bytes))
}

// ForgetBucket drops the gauges of a deleted bucket.
func ForgetBucket(bucket string) {
	BucketEntries.DeleteLabelValues(bucket)
	BucketBytes.DeleteLabelValues(bucket)
}

func SetControlledClients(n int) {
	if !IsEnabled() {
		return
	}
	ControlledClients.Set(float64(n))
}

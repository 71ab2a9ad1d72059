// Package settings holds the runtime business settings (tier limits, price,
// upgrade URLs, limit message) shared by every other component.
//
// Readers call Store.Current, which returns an immutable Snapshot. A Snapshot
// is built by layering, in order: the baked-in Defaults, the optional YAML
// seed file, and the rows of the system_settings table. The snapshot only
// changes on Refresh, which is called at startup, by the file watcher, by the
// RefreshScheduler so that table edits reach running servers, and on SIGHUP.
package settings

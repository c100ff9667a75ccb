// Package notifications delivers run events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when notifications are disabled. Events
// cover run completion and run-stopping failures such as a pool running out of
// credentials; per-unit progress stays in the logs.
package notifications

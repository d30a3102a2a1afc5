// Package config provides the host configuration store for pgnodes.
//
// Settings are resolved by viper with the usual precedence:
//
//	┌─────────────────────────────┐
//	│  3. Set (runtime)           │  ← Highest priority
//	├─────────────────────────────┤
//	│  2. Environment Variables   │  ← PGNODES_LOGLEVEL, ...
//	├─────────────────────────────┤
//	│  1. Config File             │  ← pgnodes.yaml|toml|json
//	├─────────────────────────────┤
//	│  0. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// # Settings
//
//   - pgnodes.logLevel: minimum level of the filtering logger
//   - pgnodes.hostVersion: declared host version used by the feature probe
//   - pgnodes.maxArrayProbe: upper bound for incremental array probing
//   - pgnodes.rulesFile: path of the user rules file
//   - pgnodes.features.disable: capability flags forced off
//   - pgnodes.rangeTable: range table expression passed to the expression
//     formatter, e.g. "root->parse->rtable"
//
// # Change Notification
//
// Every runtime Set and every config file change observed by the watcher is
// diffed against the previous values and reported through the notify
// package. Observers subscribe to a section with OnDidChange and are only
// called when a change affects that section.
package config

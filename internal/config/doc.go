// Package config loads, normalizes, and validates kiln configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// KILN_LLM_API_KEY. Pool credentials may be written literally or as
// "env:NAME" references, which are resolved during normalization so the
// engine only ever sees concrete secrets.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config

// Package config loads the receiptd JSON configuration, overlays the
// RECEIPTD_* environment variables and validates the result.
package config

// Package receipt issues and verifies tamper-evident receipts over arbitrary
// data packages. A receipt binds the canonical digest of a package to a
// timestamp and a fresh identifier and carries an RSA-PSS signature over
// those fields. Receipts are immutable once issued except for their chain
// reference, which tracks the progress of an optional ledger commitment.
package receipt

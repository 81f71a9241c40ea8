package config

import (
	"fmt"
	"net/url"
	"time"
)

// Validate rejects configurations that would violate the pipeline's timing
// and policy assumptions.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if c.AuditDBPath == "" {
		return fmt.Errorf("config: AuditDBPath required")
	}
	if _, err := url.ParseRequestURI(c.Ledger.RPCURL); err != nil {
		return fmt.Errorf("config: Ledger.RPCURL: %w", err)
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("config: Ledger.MaxAttempts must be at least 1")
	}
	if c.Ledger.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("config: Ledger.RequestTimeout must be positive")
	}
	if c.Ledger.MinBackoff.Duration <= 0 || c.Ledger.MaxBackoff.Duration < c.Ledger.MinBackoff.Duration {
		return fmt.Errorf("config: Ledger backoff window is inverted")
	}
	switch c.Signing.Policy {
	case PolicyStrict, PolicyPermissive:
	default:
		return fmt.Errorf("config: Signing.Policy must be %q or %q", PolicyStrict, PolicyPermissive)
	}

	// The lock TTL must outlive a full sign+compress+submit round trip or a
	// live holder could be expired mid-flight.
	worstSubmit := worstCaseSubmit(c.Ledger)
	if c.Dispense.LockTTL.Duration <= worstSubmit {
		return fmt.Errorf("config: Dispense.LockTTL %s must exceed the worst-case submission latency %s",
			c.Dispense.LockTTL.Duration, worstSubmit)
	}

	if c.Recon.Interval.Duration <= 0 {
		return fmt.Errorf("config: Recon.Interval must be positive")
	}
	if c.Fraud.ThresholdKm <= 0 {
		return fmt.Errorf("config: Fraud.ThresholdKm must be positive")
	}
	if c.OTP.TTL.Duration <= 0 {
		return fmt.Errorf("config: OTP.TTL must be positive")
	}
	if c.Nonce.Retention.Duration <= 0 {
		return fmt.Errorf("config: Nonce.Retention must be positive")
	}
	if c.Snapshot.Interval.Duration <= 0 {
		return fmt.Errorf("config: Snapshot.Interval must be positive")
	}
	return nil
}

// worstCaseSubmit bounds total gateway latency: timeout per attempt plus the
// backoff sleeps between attempts.
func worstCaseSubmit(l LedgerConfig) time.Duration {
	total := time.Duration(l.MaxAttempts) * l.RequestTimeout.Duration
	backoff := l.MinBackoff.Duration
	for i := 1; i < l.MaxAttempts; i++ {
		total += backoff
		backoff *= 2
		if backoff > l.MaxBackoff.Duration {
			backoff = l.MaxBackoff.Duration
		}
	}
	return total
}

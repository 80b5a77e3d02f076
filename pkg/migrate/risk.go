package migrate

// RiskInput collects the facts the migration risk score weighs: where the
// schema lives, what protects it, how much data sits on it, and what the
// step can break.
type RiskInput struct {
	Production     bool
	BackupVerified bool
	Rows           int64 // -1 when the dialect reports no estimate
	Dependents     int   // indexes, foreign keys, and referring tables touched
	Irreversible   bool
	DataLoss       bool
}

// RiskBand groups scores into the four decision bands.
type RiskBand string

const (
	RiskLow      RiskBand = "low"
	RiskMedium   RiskBand = "medium"
	RiskHigh     RiskBand = "high"
	RiskCritical RiskBand = "critical"
)

// Score computes the 0-100 risk score. The weights sum to exactly 100 for
// the worst case: production 25, no verified backup 15, row volume up to
// 15, dependent objects up to 15, irreversible 15, data loss 15.
func Score(in RiskInput) int {
	s := 0
	if in.Production {
		s += 25
	}
	if !in.BackupVerified {
		s += 15
	}
	switch {
	case in.Rows < 0:
		s += 10 // unknown volume scores as the middle band
	case in.Rows >= 10_000_000:
		s += 15
	case in.Rows >= 100_000:
		s += 10
	case in.Rows >= 1_000:
		s += 5
	}
	if d := in.Dependents * 5; d > 0 {
		if d > 15 {
			d = 15
		}
		s += d
	}
	if in.Irreversible {
		s += 15
	}
	if in.DataLoss {
		s += 15
	}
	return s
}

// Band maps a score to its band: low 0-30, medium 31-60, high 61-80,
// critical 81-100. Critical plans refuse to execute without explicit
// confirmation.
func Band(score int) RiskBand {
	switch {
	case score <= 30:
		return RiskLow
	case score <= 60:
		return RiskMedium
	case score <= 80:
		return RiskHigh
	default:
		return RiskCritical
	}
}

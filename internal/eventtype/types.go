package eventtype

// Terminal is the event type whose durable append permanently terminates the
// ledger.
const Terminal = "cessation.executed"

// System event types written by the ledger itself.
const (
	VerificationPassed   = "system.verification.passed"
	VerificationFailed   = "system.verification.failed"
	VerificationBypassed = "system.verification.bypassed"
	HaltDeclared         = "system.halt.declared"
	HaltCleared          = "system.halt.cleared"
	LeaseAcquired        = "system.lease.acquired"
	CheckpointCreated    = "system.checkpoint.created"
)

// SystemPrefix marks event types reserved for system-authored records.
const SystemPrefix = "system."

// DefaultTypes is the statically registered vocabulary.
var DefaultTypes = []string{
	"petition.created",
	"petition.amended",
	"petition.withdrawn",
	"petition.referred",
	"referral.accepted",
	"referral.declined",
	"knight.recommendation.issued",
	"vote.opened",
	"vote.cast",
	"vote.closed",
	"cessation.consideration",
	Terminal,
	VerificationPassed,
	VerificationFailed,
	VerificationBypassed,
	HaltDeclared,
	HaltCleared,
	LeaseAcquired,
	CheckpointCreated,
}

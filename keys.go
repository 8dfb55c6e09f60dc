package sentinel

// Slog attribute keys used by the engine.
const ( // AC
	keyOperation  = "operationID"
	keySequence   = "sequence"
	keyError      = "error"
	keyOutcome    = "outcome"
	keyScore      = "confidence"
	keyBaseline   = "baseline"
	keyQuenched   = "quenchedSlot"
	keyAuditSeq   = "auditSequence"
	keySize       = "ciphertextBytes"
	keyHint       = "hint"
	keyChainValid = "chainValid"
	keyVerified   = "verified"
)

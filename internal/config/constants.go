package config

// Numeric and format constants shared across the decoder packages.
const (
	// OOVScore is the fixed log-probability penalty assigned to tokens the
	// language model has no vocabulary entry for. The LM context is not
	// advanced when it applies.
	OOVScore = -1000.0

	// NumFltLogE is log10(e). N-gram backends report log-base-10 scores;
	// dividing by this converts them to natural log.
	NumFltLogE = 0.43429448190325176

	// TrieMagic and TrieFileVersion guard serialized vocabulary tries.
	// Readers must reject files whose header does not match both.
	TrieMagic       = "TRIE"
	TrieFileVersion = 4
)

// Default pruning parameters. A cutoff probability of 1.0 with a top-n equal
// to the class dimension disables pruning entirely.
const (
	DefaultBeamSize   = 100
	DefaultCutoffProb = 1.0
	DefaultCutoffTopN = 40
)

package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/ctcbeam/internal/alphabet"
	"github.com/MeKo-Tech/ctcbeam/internal/config"
	"github.com/MeKo-Tech/ctcbeam/internal/lm"
)

// buildLM constructs the alphabet and n-gram LM from configuration. Both are
// nil when no model path is configured.
func buildLM(cfg *config.Config) (lm.LanguageModel, *alphabet.Alphabet, error) {
	var ab *alphabet.Alphabet
	if cfg.LM.AlphabetPath != "" {
		var err error
		ab, err = alphabet.Load(cfg.LM.AlphabetPath, cfg.Decoder.BlankID, cfg.LM.SpaceIndex)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load alphabet: %w", err)
		}
	}

	if cfg.LM.ModelPath == "" {
		return nil, ab, nil
	}
	if ab == nil {
		return nil, nil, fmt.Errorf("a language model requires --alphabet")
	}

	unit := alphabet.UnitChar
	if cfg.LM.Unit == "word" {
		unit = alphabet.UnitWord
	}

	model, err := lm.LoadNgramLM(cfg.LM.ModelPath, ab, lm.Options{
		Unit:      unit,
		Alpha:     cfg.LM.Alpha,
		Beta:      cfg.LM.Beta,
		TriePath:  cfg.LM.TriePath,
		BuildTrie: cfg.LM.BuildTrie,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load language model: %w", err)
	}
	return model, ab, nil
}

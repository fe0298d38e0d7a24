package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/ctcbeam/internal/lm"
	"github.com/MeKo-Tech/ctcbeam/internal/ngram"
)

// trieCmd groups vocabulary trie operations.
var trieCmd = &cobra.Command{
	Use:   "trie",
	Short: "Vocabulary trie utilities",
}

// trieBuildCmd builds and serializes a vocabulary trie from an ARPA model.
var trieBuildCmd = &cobra.Command{
	Use:   "build <model.arpa> <trie-out>",
	Short: "Build a vocabulary trie from an n-gram model",
	Long: `Build a vocabulary trie from the unigrams of an ARPA language model and
serialize it for later decoding runs.

Examples:
  ctcbeam trie build lm.arpa lm.trie`,
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := ngram.LoadModel(args[0])
		if err != nil {
			return err
		}
		trie := lm.NewTrie(model.Vocabulary().Words())
		if err := trie.Save(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d words to %s\n", trie.Size(), args[1])
		return nil
	},
}

// trieInfoCmd prints the header and word count of a serialized trie.
var trieInfoCmd = &cobra.Command{
	Use:          "info <trie-file>",
	Short:        "Inspect a serialized vocabulary trie",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		trie, err := lm.LoadTrie(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d words\n", args[0], trie.Size())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trieCmd)
	trieCmd.AddCommand(trieBuildCmd)
	trieCmd.AddCommand(trieInfoCmd)
}

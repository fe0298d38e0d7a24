// Package testutil provides shared fixtures for decoder tests: log-prob
// matrix builders and on-disk model/alphabet writers.
package testutil

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// GetProjectRoot returns the project root directory by finding go.mod.
func GetProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("failed to get caller information")
	}
	dir := filepath.Dir(filename)

	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("could not find go.mod file starting from %s", filepath.Dir(filename))
}

// LogOf converts a linear probability to its float32 natural log; zero maps
// to -Inf.
func LogOf(p float64) float32 {
	if p == 0 {
		return float32(math.Inf(-1))
	}
	return float32(math.Log(p))
}

// LogProbRow builds one timestep row from linear probabilities.
func LogProbRow(probs ...float64) []float32 {
	row := make([]float32, len(probs))
	for i, p := range probs {
		row[i] = LogOf(p)
	}
	return row
}

// LogProbMatrix flattens timestep rows of linear probabilities into the
// row-major [T x C] layout the decoder consumes.
func LogProbMatrix(rows ...[]float64) []float32 {
	if len(rows) == 0 {
		return nil
	}
	c := len(rows[0])
	out := make([]float32, 0, len(rows)*c)
	for _, row := range rows {
		out = append(out, LogProbRow(row...)...)
	}
	return out
}

// UniformLogProbs builds a [T x C] matrix where every class has probability
// 1/C at every timestep.
func UniformLogProbs(timeSteps, classes int) []float32 {
	lp := LogOf(1.0 / float64(classes))
	out := make([]float32, timeSteps*classes)
	for i := range out {
		out[i] = lp
	}
	return out
}

// WriteAlphabetFile writes one entry per line to a temp file and returns its
// path. A " " entry is written as the literal token "<space>".
func WriteAlphabetFile(t *testing.T, entries []string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "alphabet.txt")
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, e := range entries {
		if e == " " {
			e = "<space>"
		}
		_, err := fmt.Fprintln(f, e)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	return path
}

// Bigram is one bigram line of a test ARPA model.
type Bigram struct {
	W1, W2 string
	LogP   float64 // log10
}

// Unigram is one unigram line of a test ARPA model.
type Unigram struct {
	Word    string
	LogP    float64 // log10
	Backoff float64 // log10
}

// WriteArpaFile writes a small bigram ARPA model to a temp file and returns
// its path. <s>, </s>, and <unk> unigrams are appended automatically when
// the caller does not provide them.
func WriteArpaFile(t *testing.T, unigrams []Unigram, bigrams []Bigram) string {
	t.Helper()

	have := map[string]bool{}
	for _, u := range unigrams {
		have[u.Word] = true
	}
	for _, w := range []string{"<unk>", "<s>", "</s>"} {
		if !have[w] {
			unigrams = append(unigrams, Unigram{Word: w, LogP: -2.5})
		}
	}

	path := filepath.Join(t.TempDir(), "model.arpa")
	f, err := os.Create(path)
	require.NoError(t, err)

	write := func(format string, args ...any) {
		_, err := fmt.Fprintf(f, format, args...)
		require.NoError(t, err)
	}

	write("\\data\\\n")
	write("ngram 1=%d\n", len(unigrams))
	if len(bigrams) > 0 {
		write("ngram 2=%d\n", len(bigrams))
	}
	write("\n\\1-grams:\n")
	for _, u := range unigrams {
		write("%g\t%s\t%g\n", u.LogP, u.Word, u.Backoff)
	}
	if len(bigrams) > 0 {
		write("\n\\2-grams:\n")
		for _, b := range bigrams {
			write("%g\t%s %s\n", b.LogP, b.W1, b.W2)
		}
	}
	write("\n\\end\\\n")
	require.NoError(t, f.Close())
	return path
}

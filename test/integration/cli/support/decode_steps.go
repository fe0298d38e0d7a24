package support

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

// decodeOutput mirrors the CLI's JSON result shape.
type decodeOutput []struct {
	Sequence   int `json:"sequence"`
	Hypotheses []struct {
		Tokens []int32 `json:"tokens"`
		Score  float32 `json:"score"`
	} `json:"hypotheses"`
}

// RegisterDecodeSteps wires the decode step definitions.
func (testCtx *TestContext) RegisterDecodeSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a log-probability file with certain classes "([^"]*)" over (\d+) classes$`, testCtx.aCertainProbsFile)
	sc.Step(`^I run ctcbeam with arguments "([^"]*)"$`, testCtx.iRunCtcbeam)
	sc.Step(`^the command should succeed$`, testCtx.theCommandShouldSucceed)
	sc.Step(`^the command should fail$`, testCtx.theCommandShouldFail)
	sc.Step(`^the output should contain "([^"]*)"$`, testCtx.theOutputShouldContain)
	sc.Step(`^the top hypothesis tokens should be "([^"]*)"$`, testCtx.theTopHypothesisShouldBe)
}

// aCertainProbsFile writes a [T x C] matrix where each listed class is
// near-certain at its timestep; class 0 is the blank.
func (testCtx *TestContext) aCertainProbsFile(classes string, classDim int) error {
	var rows [][]float64
	for _, field := range strings.Split(classes, ",") {
		c, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return fmt.Errorf("bad class list %q: %w", classes, err)
		}
		if c < 0 || c >= classDim {
			return fmt.Errorf("class %d out of range [0, %d)", c, classDim)
		}
		row := make([]float64, classDim)
		rest := 0.01 / float64(classDim-1)
		for i := range row {
			row[i] = math.Log(rest)
		}
		row[c] = math.Log(0.99)
		rows = append(rows, row)
	}

	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	testCtx.ProbsFile = filepath.Join(testCtx.TempDir, "probs.json")
	return os.WriteFile(testCtx.ProbsFile, data, 0o600)
}

// iRunCtcbeam executes the built binary. The placeholder {probs} expands to
// the scenario's probability file.
func (testCtx *TestContext) iRunCtcbeam(args string) error {
	fields := strings.Fields(args)
	for i, f := range fields {
		if f == "{probs}" {
			fields[i] = testCtx.ProbsFile
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, testCtx.BinaryPath, fields...) //nolint:gosec // G204: test binary with controlled args
	cmd.Dir = testCtx.TempDir
	out, err := cmd.CombinedOutput()

	testCtx.LastCommand = testCtx.BinaryPath + " " + strings.Join(fields, " ")
	testCtx.LastOutput = string(out)
	testCtx.LastError = err
	testCtx.LastExitCode = cmd.ProcessState.ExitCode()
	return nil
}

func (testCtx *TestContext) theCommandShouldSucceed() error {
	if testCtx.LastExitCode != 0 {
		return fmt.Errorf("command failed with exit code %d: %s", testCtx.LastExitCode, testCtx.LastOutput)
	}
	return nil
}

func (testCtx *TestContext) theCommandShouldFail() error {
	if testCtx.LastExitCode == 0 {
		return fmt.Errorf("command unexpectedly succeeded: %s", testCtx.LastOutput)
	}
	return nil
}

func (testCtx *TestContext) theOutputShouldContain(expected string) error {
	if !strings.Contains(testCtx.LastOutput, expected) {
		return fmt.Errorf("output does not contain %q:\n%s", expected, testCtx.LastOutput)
	}
	return nil
}

func (testCtx *TestContext) theTopHypothesisShouldBe(tokens string) error {
	var results decodeOutput
	if err := json.Unmarshal([]byte(testCtx.LastOutput), &results); err != nil {
		return fmt.Errorf("output is not decode JSON: %w\n%s", err, testCtx.LastOutput)
	}
	if len(results) == 0 || len(results[0].Hypotheses) == 0 {
		return fmt.Errorf("no hypotheses in output: %s", testCtx.LastOutput)
	}

	var want []int32
	for _, field := range strings.Split(tokens, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return fmt.Errorf("bad token list %q: %w", tokens, err)
		}
		want = append(want, int32(v))
	}

	got := results[0].Hypotheses[0].Tokens
	if len(got) != len(want) {
		return fmt.Errorf("top hypothesis is %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("top hypothesis is %v, want %v", got, want)
		}
	}
	return nil
}

package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would create %s", "file")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would create file")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = false
	u.DryRunMsg("would create %s", "file")
	assert.Empty(t, errOut.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestClaimState(t *testing.T) {
	assert.Contains(t, ClaimState(true), "claimed")
	assert.Contains(t, ClaimState(false), "pending")
}

func TestOutcomeColor(t *testing.T) {
	assert.Contains(t, OutcomeColor("all_claimed"), "all_claimed")
	assert.Contains(t, OutcomeColor("no_sessions"), "no_sessions")
	assert.Equal(t, "unknown", OutcomeColor("unknown"))
}

func TestResultLine(t *testing.T) {
	u, out, errOut := newTestUI()
	u.ResultLine(true, "[round 1 - jwc] ✓ 0123: OK")
	u.ResultLine(false, "[round 1 - tms] ✗ 0123: full")
	assert.Contains(t, out.String(), "0123: OK")
	assert.Contains(t, out.String(), "0123: full")
	assert.Empty(t, errOut.String())
}

func TestSystemLine(t *testing.T) {
	u, out, errOut := newTestUI()
	u.SystemLine("round 2: 1 pending, 2 sessions")
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "round 2: 1 pending")
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Code", "Handle"})
	require.NotNil(t, table)

	table.Append([]string{"0123", "90123"})
	table.Append([]string{"0456", "90456"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "90123"), "table output should contain handles")
	assert.True(t, strings.Contains(result, "0456"), "table output should contain codes")
}

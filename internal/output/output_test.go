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

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestSeverityColor(t *testing.T) {
	assert.NotEmpty(t, SeverityColor("critical"))
	assert.NotEmpty(t, SeverityColor("high"))
	assert.NotEmpty(t, SeverityColor("warning"))
	assert.NotEmpty(t, SeverityColor("info"))
	assert.Equal(t, "unknown", SeverityColor("unknown"))
}

func TestSessionStateColor(t *testing.T) {
	assert.NotEmpty(t, SessionStateColor("running"))
	assert.NotEmpty(t, SessionStateColor("awaiting_decision"))
	assert.NotEmpty(t, SessionStateColor("completed"))
	assert.NotEmpty(t, SessionStateColor("failed"))
	assert.Equal(t, "idle", SessionStateColor("idle"))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Namespace", "Resource"})
	require.NotNil(t, table)

	table.Append([]string{"payments", "payment-service"})
	table.Append([]string{"checkout", "checkout-api"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "payments") || strings.Contains(result, "PAYMENTS"),
		"table output should contain namespaces")
	assert.True(t, strings.Contains(result, "checkout") || strings.Contains(result, "CHECKOUT"),
		"table output should contain namespaces")
}

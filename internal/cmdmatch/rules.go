package cmdmatch

// DefaultDenyRules returns the destructive command patterns.
// A match here blocks regardless of allowlist membership.
func DefaultDenyRules() []Rule {
	return []Rule{
		{
			ID:          "rm-recursive-force",
			Pattern:     `\brm\s+(?:\S+\s+)*-[a-z]*(?:r[a-z]*f|f[a-z]*r)`,
			Description: "recursive force delete",
		},
		{
			ID:          "rm-recursive-force-split",
			Pattern:     `\brm\s+(?:.*\s)?-(?:r|-recursive)\b.*\s-(?:f|-force)\b|\brm\s+(?:.*\s)?-(?:f|-force)\b.*\s-(?:r|-recursive)\b`,
			Description: "recursive force delete",
		},
		{
			ID:          "git-reset-hard",
			Pattern:     `\bgit\s+reset\s+(?:.*\s)?--hard\b`,
			Description: "hard history reset",
		},
		{
			ID:          "git-force-push",
			Pattern:     `\bgit\s+push\b.*\s(?:--force(?:-with-lease)?|-f)\b`,
			Description: "forced push",
		},
		{
			ID:          "privilege-escalation",
			Pattern:     `\b(?:sudo|doas)\b|(?:^|[\s;&|])su(?:\s|$)`,
			Description: "privilege escalation",
		},
		{
			ID:          "chmod-777",
			Pattern:     `\bchmod\s+(?:-\S+\s+)*0?777\b|\bchmod\s+(?:-\S+\s+)*(?:a|ugo)\+rwx\b`,
			Description: "world-writable permissions",
		},
		{
			ID:          "raw-disk-write",
			Pattern:     `\bdd\s+.*\bof=/dev/|>\s*/dev/(?:sd|nvme|hd|disk|mmcblk)|\bmkfs(?:\.\w+)?\b`,
			Description: "raw disk write",
		},
		{
			ID:          "fork-bomb",
			Pattern:     `:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
			Description: "fork bomb",
		},
		{
			ID:          "kill-9",
			Pattern:     `\b(?:kill|pkill|killall)\s+(?:.*\s)?-(?:9|kill|sigkill)\b`,
			Description: "forced process kill",
		},
	}
}

// DefaultMutationRules returns patterns for commands that change repository or
// filesystem state without being destructive.
func DefaultMutationRules() []Rule {
	return []Rule{
		{
			ID:          "vcs-mutation",
			Pattern:     `\bgit\s+(?:commit|add|push|rm|mv|merge|rebase|checkout|switch|cherry-pick|tag|stash)\b`,
			Description: "version control mutation",
		},
		{
			ID:          "dependency-install",
			Pattern:     `\b(?:npm|pnpm|yarn)\s+(?:install|i|add|remove|uninstall|ci)\b|\bpip3?\s+(?:install|uninstall)\b|\bgo\s+(?:get|install|mod\s+tidy)\b|\bcargo\s+(?:add|install|update)\b|\bpoetry\s+(?:add|install)\b|\bbundle\s+install\b`,
			Description: "dependency install",
		},
		{
			ID:          "mkdir",
			Pattern:     `\bmkdir\b`,
			Description: "directory creation",
		},
		{
			ID:          "file-move-copy",
			Pattern:     `\b(?:mv|cp|touch|rm|rmdir|ln)\s`,
			Description: "file move, copy or touch",
		},
		{
			ID:          "in-place-edit",
			Pattern:     `\bsed\s+-i\b|\btee\b`,
			Description: "in-place file edit",
		},
		{
			ID:          "output-redirection",
			Pattern:     `(?:^|[^0-9&>])>{1,2}\s*[^\s&]`,
			Description: "output redirection",
		},
	}
}

// DefaultAllowRules returns the capability allowlist. Patterns are anchored at the
// start of each chained segment.
func DefaultAllowRules() []Rule {
	return []Rule{
		{ID: "inspect", Pattern: `^(?:ls|pwd|cat|head|tail|wc|grep|rg|tree|echo|which|file|stat|du|df|diff|sort|uniq|date)(?:\s|$)`, Description: "read-only inspection"},
		{ID: "git-read", Pattern: `^git\s+(?:status|diff|log|show|branch|rev-parse|blame|ls-files|fetch)\b`, Description: "git read"},
		{ID: "git-write", Pattern: `^git\s+(?:add|commit|checkout|switch|stash|push)\b`, Description: "git write"},
		{ID: "go-toolchain", Pattern: `^go\s+(?:build|test|vet|fmt|mod\s+(?:tidy|download))\b`, Description: "go toolchain"},
		{ID: "node-toolchain", Pattern: `^(?:npm|pnpm|yarn)\s+(?:test|run|install|ci|ls)\b`, Description: "node toolchain"},
		{ID: "python-tests", Pattern: `^(?:pytest|python3?\s+-m\s+pytest)\b`, Description: "python tests"},
		{ID: "cargo-toolchain", Pattern: `^cargo\s+(?:build|test|check|fmt|clippy)\b`, Description: "cargo toolchain"},
		{ID: "make", Pattern: `^make(?:\s|$)`, Description: "make targets"},
		{ID: "file-ops", Pattern: `^(?:mkdir|touch|cp|mv|rm)\s`, Description: "workspace file operations"},
		{ID: "github-cli", Pattern: `^gh\s+(?:pr|issue)\s+(?:create|view|list|status)\b`, Description: "pull request and issue management"},
	}
}

package rules

import (
	"regexp"
	"strings"

	"github.com/dgerlanc/tokenguard/internal/patterns"
	"github.com/dgerlanc/tokenguard/internal/shell"
)

// Critical rule ids.
const (
	RuleRmRoot        = "rm_root"
	RuleRmSystem      = "rm_recursive_force_system"
	RuleDiskOverwrite = "disk_overwrite"
	RulePipeToShell   = "pipe_to_shell"
	RuleMkfs          = "mkfs"
	RuleForkBomb      = "fork_bomb"
)

const (
	fetchers     = `(?:curl|wget|fetch)`
	shellNames   = `(?:ba|z|da|k|fi|c|tc)?sh`
	commandStart = `(?:^|[;&|()\n]|\bsudo|\bexec)\s*`
	blockDevice  = `/dev/(?:sd[a-z]|hd[a-z]|nvme\d|r?disk\d|mmcblk\d|xvd[a-z]|vd[a-z])`
)

var (
	rmRootPattern = patterns.MustCompile(
		`\brm\s+(?:-[^\s]*\s+)*-(?:[a-zA-Z]*[rR][a-zA-Z]*|-recursive)\s+(?:-[^\s]*\s+)*`+
			`(?:/\*?|~/?\*?|\$HOME/?\*?|\$\{HOME\}/?\*?|/\.\.?)(?:\s|$|[;&|)])`,
		RuleRmRoot)

	diskOverwritePattern = patterns.MustCompile(
		`\bdd\b[^;&|\n]*\bof=`+blockDevice+`|>\s*`+blockDevice,
		RuleDiskOverwrite)

	pipeToShellPattern = patterns.MustCompile(
		`\b`+fetchers+`\b[^|;&\n]*\|\s*(?:sudo\s+(?:-\S+\s+)*)?(?:env\s+)?`+shellNames+`\b`+
			`|\b`+shellNames+`\s+<\(\s*`+fetchers+`\b`+
			`|(?:\bsource|(?:^|[\s;&|])\.)\s+<\(\s*`+fetchers+`\b`+
			`|\b`+shellNames+`\s+-c\s+["']?(?:\$\(|`+"`"+`)\s*`+fetchers+`\b`+
			`|\beval\s+["']?(?:\$\(|`+"`"+`)\s*`+fetchers+`\b`,
		RulePipeToShell)

	mkfsPattern = patterns.MustCompile(
		commandStart+`(?:mkfs(?:\.\w+)?|mke2fs|mkswap|wipefs|newfs(?:_\w+)?)\b`+
			`|`+commandStart+`diskutil\s+(?:erase\w*|zeroDisk|randomDisk|secureErase)\b`,
		RuleMkfs)

	formatter     = regexp.MustCompile(`^(?:mkfs(?:\..+)?|mke2fs|mkswap|wipefs|newfs(?:_.+)?)$`)
	diskutilErase = regexp.MustCompile(`^(?:erase\w*|zeroDisk|randomDisk|secureErase)$`)

	forkBombClassic = regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`)
	funcDecl        = regexp.MustCompile(`([A-Za-z_:][A-Za-z0-9_:]*)\s*\(\s*\)\s*\{([^}]*)\}`)

	systemDir = regexp.MustCompile(
		`^/(?:bin|boot|dev|etc|home|lib|lib32|lib64|opt|proc|root|sbin|srv|sys|usr|var|` +
			`System|Library|Applications|private|Users)(?:/\*?)?$`)
)

var rootTargets = map[string]bool{
	"/": true, "/*": true, "/.": true, "/..": true,
	"~": true, "~/": true, "~/*": true,
	"$HOME": true, "$HOME/": true, "$HOME/*": true,
	"${HOME}": true, "${HOME}/": true, "${HOME}/*": true,
}

func newRmRootRule() Rule {
	return Rule{
		ID:       RuleRmRoot,
		Category: CategoryCritical,
		Verdict:  Deny,
		Reason:   "recursive delete of the root or home directory would wipe the filesystem; name the exact path to remove",
		Pattern:  rmRootPattern,
		Match: func(_ string, s *shell.Script) bool {
			return s != nil && s.Any(func(seg shell.Segment) bool {
				if seg.Name() != "rm" || !hasFlag(seg.Params(), "rR", "--recursive") {
					return false
				}
				for _, t := range operands(seg.Params()) {
					if rootTargets[t] {
						return true
					}
				}
				return false
			})
		},
	}
}

func newRmSystemRule() Rule {
	return Rule{
		ID:       RuleRmSystem,
		Category: CategoryCritical,
		Verdict:  Deny,
		Reason:   "forced recursive delete of a top-level system directory",
		Match: func(_ string, s *shell.Script) bool {
			return s != nil && s.Any(func(seg shell.Segment) bool {
				p := seg.Params()
				if seg.Name() != "rm" || !hasFlag(p, "rR", "--recursive") || !hasFlag(p, "f", "--force") {
					return false
				}
				for _, t := range operands(p) {
					if systemDir.MatchString(t) {
						return true
					}
				}
				return false
			})
		},
	}
}

func newDiskOverwriteRule() Rule {
	return Rule{
		ID:       RuleDiskOverwrite,
		Category: CategoryCritical,
		Verdict:  Deny,
		Reason:   "writing raw data to a block device destroys everything on the disk",
		Pattern:  diskOverwritePattern,
	}
}

func newPipeToShellRule() Rule {
	return Rule{
		ID:       RulePipeToShell,
		Category: CategoryCritical,
		Verdict:  Deny,
		Reason:   "piping a downloaded script into a shell runs unreviewed remote code; save it to a file and inspect it first",
		Pattern:  pipeToShellPattern,
		Match:    pipesRemoteIntoShell,
	}
}

func newMkfsRule() Rule {
	return Rule{
		ID:       RuleMkfs,
		Category: CategoryCritical,
		Verdict:  Deny,
		Reason:   "formatting or wiping a filesystem destroys its data",
		Pattern:  mkfsPattern,
		Match: func(_ string, s *shell.Script) bool {
			return s != nil && s.Any(func(seg shell.Segment) bool {
				if formatter.MatchString(seg.Name()) {
					return true
				}
				p := operands(seg.Params())
				return seg.Name() == "diskutil" && len(p) > 0 && diskutilErase.MatchString(p[0])
			})
		},
	}
}

func newForkBombRule() Rule {
	return Rule{
		ID:       RuleForkBomb,
		Category: CategoryCritical,
		Verdict:  Deny,
		Reason:   "fork bomb: a function that spawns copies of itself exhausts the process table",
		Match: func(raw string, _ *shell.Script) bool {
			return isForkBomb(raw)
		},
	}
}

// CriticalRules are the unconditional denies checked before any tool runs.
func CriticalRules() []Rule {
	return []Rule{
		newRmRootRule(),
		newDiskOverwriteRule(),
		newPipeToShellRule(),
		newMkfsRule(),
	}
}

// PermissionDenyRules are the unconditional denies of the permission guard.
func PermissionDenyRules() []Rule {
	return []Rule{
		newRmRootRule(),
		newRmSystemRule(),
		newForkBombRule(),
		newMkfsRule(),
		newDiskOverwriteRule(),
		newPipeToShellRule(),
	}
}

func pipesRemoteIntoShell(_ string, s *shell.Script) bool {
	if s == nil {
		return false
	}
	isFetcher := func(name string) bool {
		return name == "curl" || name == "wget" || name == "fetch"
	}
	for i, seg := range s.Segments {
		if isFetcher(seg.Name()) {
			for _, d := range seg.Downstream {
				if shells[d] {
					return true
				}
			}
		}
		// bash <(curl ...), sh -c "$(curl ...)", source <(curl ...)
		name := seg.Name()
		if seg.Expansion && (shells[name] || name == "source" || name == "." || name == "eval") {
			for _, inner := range s.Segments[i+1:] {
				if inner.Depth <= seg.Depth {
					break
				}
				if isFetcher(inner.Name()) {
					return true
				}
			}
		}
	}
	return false
}

func isForkBomb(raw string) bool {
	if forkBombClassic.MatchString(raw) {
		return true
	}
	for _, m := range funcDecl.FindAllStringSubmatch(raw, -1) {
		name, body := m[1], strings.Join(strings.Fields(m[2]), "")
		if strings.Contains(body, name+"|"+name) && strings.Contains(body, "&") {
			return true
		}
	}
	return false
}

// hasFlag reports whether params carry one of the long flags or a short
// option cluster containing one of letters.
func hasFlag(params []string, letters string, long ...string) bool {
	for _, p := range params {
		if p == "--" {
			return false
		}
		for _, l := range long {
			if p == l {
				return true
			}
		}
		if strings.ContainsAny(clusterLetters(p), letters) {
			return true
		}
	}
	return false
}

// operands returns the non-option arguments.
func operands(params []string) []string {
	var out []string
	endOfOpts := false
	for _, p := range params {
		switch {
		case endOfOpts:
			out = append(out, p)
		case p == "--":
			endOfOpts = true
		case strings.HasPrefix(p, "-") && p != "-":
		default:
			out = append(out, p)
		}
	}
	return out
}

// clusterLetters returns the option letters of a short option cluster:
// "-fsSL" gives "fsSL", "-qO-" gives "qO", "--quiet" gives "".
func clusterLetters(p string) string {
	if len(p) < 2 || p[0] != '-' || p[1] == '-' {
		return ""
	}
	i := 1
	for i < len(p) && isLetter(p[i]) {
		i++
	}
	return p[1:i]
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

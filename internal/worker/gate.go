package worker

import "strings"

// blockedPatterns reject a command on any substring hit. Checked before
// the allowlist; a block always wins.
var blockedPatterns = []string{
	"rm -rf /", "rm -rf ~", "sudo ", "curl ", "wget ",
	"eval ", "> /dev/", "mkfs", "dd if=", ":(){ ",
}

// allowedPrefixes accept a command on any prefix hit.
var allowedPrefixes = []string{
	"echo ", "cat ", "test ", "ls ", "mkdir ", "cp ", "mv ",
	"go test", "go build", "go vet", "go fmt",
	"python", "pip ", "npm ", "npx ", "node ",
	"make", "cargo ", "rustc ",
	"git ", "diff ", "patch ",
	"swift ", "xcodebuild",
	"./code ", "./scripts/code",
	"true", "false",
	"touch ", "rm ", // careful
	"head ", "tail ", "wc ", "sort ", "uniq ",
	"grep ", "rg ", "fd ",
	"sha1sum", "sha256sum", "md5sum",
	"sleep ",
}

// IsCmdSafe applies the command-safety gate: blocklist first (substring,
// reject wins), then allowlist (prefix). Repo-local scripts starting
// with ./ are always permitted. A command matching neither list is
// rejected.
func IsCmdSafe(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	for _, blocked := range blockedPatterns {
		if strings.Contains(cmd, blocked) {
			return false
		}
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(cmd, prefix) || cmd == strings.TrimSpace(prefix) {
			return true
		}
	}
	return strings.HasPrefix(cmd, "./")
}

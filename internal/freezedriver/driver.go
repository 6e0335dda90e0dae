// Package freezedriver drives the freeze operation: selecting an unshare
// strategy for the requested privilege/encryption combination, generating
// the shell script that bind-mounts staged content and invokes the archive
// builder, and running it under a private namespace.
package freezedriver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/manifest"
	"github.com/antony-hash512/zero-kelvin/internal/shquote"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// ProgressMode selects which of the archive builder's two progress-driving
// executor variants the generated script requests.
type ProgressMode string

const (
	ProgressNone    ProgressMode = "none"
	ProgressVanilla ProgressMode = "vanilla" // mksquashfs's own percentage output
	ProgressAlfa    ProgressMode = "alfa"    // growing-output-file byte count
)

func (p ProgressMode) flag() string {
	switch p {
	case ProgressVanilla:
		return "--vanilla-progress"
	case ProgressAlfa:
		return "--alfa-progress"
	default:
		return "--no-progress"
	}
}

// Options configures one freeze run.
type Options struct {
	Encrypt              bool
	OverwriteFiles       bool
	OverwriteLUKSContent bool
	Compression          *int // nil = default; 0 = no compression
	Progress             ProgressMode
	Output               string

	// ExecutablePath is the archive builder entrypoint invoked at the end
	// of the generated script — the same binary, re-invoked in "archive
	// create" mode, so freeze.sh has no external sibling-binary
	// dependency to resolve.
	ExecutablePath string
}

// Strategy is the resolved set of unshare flags (excluding the trailing
// "sh <script>") for one freeze run.
type Strategy struct {
	Args []string
}

// SelectStrategy implements the decision table: LUKS requires root (mount
// namespace only is sufficient and no user-namespace remapping is needed,
// since the process is already privileged); an unprivileged, unencrypted
// freeze needs a user namespace mapping the caller to root inside it so
// unshare's mount operations are permitted at all.
func SelectStrategy(encrypt bool, euid int) (Strategy, error) {
	switch {
	case encrypt && euid != 0:
		return Strategy{}, zkerrors.New(zkerrors.OperationFailed, "freezedriver.SelectStrategy", "must be run as root for LUKS")
	case euid == 0:
		return Strategy{Args: []string{"-m", "--propagation", "private"}}, nil
	default:
		return Strategy{Args: []string{"-m", "-U", "-r", "--propagation", "private"}}, nil
	}
}

// GenerateScript renders the freeze.sh contents: one "mount --bind" line
// per non-symlink manifest entry in id order, followed by one invocation of
// the archive builder. Every filesystem-derived string is single-quoted via
// shquote; double quotes are never used here, since they fail to neutralize
// "$", backticks, and backslashes in a hostile or merely unlucky path.
func GenerateScript(m *manifest.Manifest, buildDir, payloadDir string, opts Options) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n")

	for _, entry := range m.Files {
		if entry.Type == manifest.EntrySymlink {
			continue
		}
		if entry.Name == "" || entry.RestorePath == "" {
			return "", zkerrors.New(zkerrors.Manifest, "freezedriver.GenerateScript", fmt.Sprintf("entry %d has no name/restore_path pair to bind-mount", entry.ID))
		}
		src := strings.TrimRight(entry.RestorePath, "/") + "/" + entry.Name
		dest := fmt.Sprintf("%s/%s/%d/%s", payloadDir, "to_restore", entry.ID, entry.Name)
		fmt.Fprintf(&b, "mount --bind %s %s\n", shquote.Quote(src), shquote.Quote(dest))
	}

	args := []string{"archive", "create"}
	if opts.Encrypt {
		args = append(args, "--encrypt")
	}
	if opts.OverwriteFiles {
		args = append(args, "--overwrite-files")
	}
	if opts.OverwriteLUKSContent {
		args = append(args, "--overwrite-luks-content")
	}
	if opts.Compression != nil {
		args = append(args, "--compression", strconv.Itoa(*opts.Compression))
	}
	args = append(args, opts.Progress.flag(), payloadDir, opts.Output)

	var cmd strings.Builder
	cmd.WriteString(shquote.Quote(opts.ExecutablePath))
	for _, a := range args {
		cmd.WriteByte(' ')
		cmd.WriteString(shquote.Quote(a))
	}
	b.WriteString(cmd.String())
	b.WriteByte('\n')

	return b.String(), nil
}

// Run spawns "unshare <strategy-args> sh <scriptPath>" via the executor's
// stderr-teeing variant, so failures retain diagnostic output.
func Run(ctx context.Context, exec executor.CommandExecutor, strategy Strategy, scriptPath string) (exitCode int, stderr []byte, err error) {
	args := append(append([]string{}, strategy.Args...), "sh", scriptPath)
	return exec.RunAndCaptureError(ctx, "unshare", args...)
}

// Package archive drives the SquashFS/LUKS archive builder and mount
// controller: output classification against an existing file, LUKS
// container sizing and lifecycle, mapper naming, and plain/LUKS mount and
// unmount.
package archive

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// ExistingKind classifies what, if anything, already occupies the output
// path before a create runs.
type ExistingKind int

const (
	ExistingNone ExistingKind = iota
	ExistingLUKS
	ExistingSquashFS
	ExistingOther
)

// Classify asks cryptsetup and file(1) to determine what occupies path,
// returning ExistingNone if nothing is there.
func Classify(ctx context.Context, exec executor.CommandExecutor, path string) (ExistingKind, error) {
	res, err := exec.Run(ctx, "sh", "-c", fmt.Sprintf("test -e %q", path))
	if err != nil {
		return ExistingNone, zkerrors.Wrap(zkerrors.IO, "archive.Classify", err)
	}
	if !res.Success() {
		return ExistingNone, nil
	}

	if res, err := exec.Run(ctx, "cryptsetup", "isLuks", path); err == nil && res.Success() {
		return ExistingLUKS, nil
	}

	res, err = exec.Run(ctx, "file", "-b", path)
	if err != nil {
		return ExistingOther, zkerrors.Wrap(zkerrors.IO, "archive.Classify", err)
	}
	if strings.Contains(strings.ToLower(string(res.Stdout)), "squashfs") {
		return ExistingSquashFS, nil
	}
	return ExistingOther, nil
}

// Action is what Create should do given the existing-output classification
// and the two overwrite flags.
type Action int

const (
	ActionRefuse Action = iota
	ActionCreateFresh
	ActionAppend
	ActionRebuild
)

// DecideAction implements the existing-output decision table.
func DecideAction(kind ExistingKind, overwriteFiles, overwriteLUKSContent bool) (Action, error) {
	switch kind {
	case ExistingNone:
		return ActionCreateFresh, nil
	case ExistingLUKS:
		switch {
		case overwriteFiles && !overwriteLUKSContent:
			return ActionAppend, nil
		case !overwriteFiles && overwriteLUKSContent:
			return ActionRebuild, nil
		default:
			return ActionRefuse, zkerrors.New(zkerrors.OperationFailed, "archive.DecideAction", "a LUKS archive already exists at this output; pass exactly one of --overwrite-files or --overwrite-luks-content")
		}
	case ExistingSquashFS:
		if overwriteFiles && !overwriteLUKSContent {
			return ActionAppend, nil
		}
		return ActionRefuse, zkerrors.New(zkerrors.OperationFailed, "archive.DecideAction", "a SquashFS archive already exists at this output; pass --overwrite-files to append")
	default:
		if overwriteLUKSContent {
			return ActionRefuse, zkerrors.New(zkerrors.OperationFailed, "archive.DecideAction", "output exists and is neither a LUKS container nor a SquashFS image; refusing to overwrite")
		}
		return ActionRefuse, zkerrors.New(zkerrors.OperationFailed, "archive.DecideAction", "output already exists and is not a recognized archive")
	}
}

// CompressionMode is either no compression, or zstd at a level in [0, 22].
type CompressionMode struct {
	None  bool
	Level int
}

// mksquashfsArgs returns the compression flags for packing a directory.
func (c CompressionMode) mksquashfsArgs() []string {
	if c.None {
		return []string{"-no-compression"}
	}
	return []string{"-comp", "zstd", "-Xcompression-level", strconv.Itoa(c.Level)}
}

// ProgressMode selects which progress-reporting strategy runPackWithProgress
// uses while driving mksquashfs.
type ProgressMode string

const (
	ProgressNone    ProgressMode = ""
	ProgressVanilla ProgressMode = "vanilla" // mksquashfs's own -progress percentage output
	ProgressAlfa    ProgressMode = "alfa"    // growing-output-file byte count, for pipelines that hide stdout
)

// decompressorFor returns the "sh -c" decompressor pipeline stage for an
// archive-file input, selected by filename suffix, or ("", false) if the
// suffix isn't one of the supported archive-repack inputs.
func decompressorFor(input string) (string, bool) {
	lower := strings.ToLower(input)
	switch {
	case strings.HasSuffix(lower, ".tar"):
		return "cat", true
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "gzip -dc", true
	case strings.HasSuffix(lower, ".tar.bz2"):
		return "bzip2 -dc", true
	case strings.HasSuffix(lower, ".tar.xz"):
		return "xz -dc", true
	case strings.HasSuffix(lower, ".tar.zst"):
		return "zstd -dc", true
	case strings.HasSuffix(lower, ".tar.zip"):
		return "zcat", true
	case strings.HasSuffix(lower, ".tar.7z"):
		return "7z x -so", true
	case strings.HasSuffix(lower, ".tar.rar"):
		return "unrar p -inul", true
	default:
		return "", false
	}
}

package archive

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/antony-hash512/zero-kelvin/internal/cleanup"
	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// CreateParams configures one archive-builder run. Input is either a
// directory to pack or a supported archive file to repack; Output is
// either the destination path or, if it names an existing directory, the
// directory auto-generated names are written into.
type CreateParams struct {
	Input                string
	Output               string
	Encrypt              bool
	Compression          CompressionMode
	Progress             executor.ProgressSink
	ProgressMode         ProgressMode
	OverwriteFiles       bool
	OverwriteLUKSContent bool
}

// Create runs the full archive-builder state machine: existing-output
// classification, optional auto-naming, optional LUKS container sizing and
// lifecycle, directory packing or archive-file repack, and (for LUKS)
// post-pack trim. It returns the final output path.
func Create(ctx context.Context, exec executor.CommandExecutor, registry *cleanup.Registry, params CreateParams, now time.Time) (string, error) {
	output := params.Output
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		output = filepath.Join(output, autoName(params.Input, params.Encrypt, now))
	}

	kind, err := Classify(ctx, exec, output)
	if err != nil {
		return "", err
	}
	action, err := DecideAction(kind, params.OverwriteFiles, params.OverwriteLUKSContent)
	if err != nil {
		return "", err
	}

	inputInfo, err := os.Stat(params.Input)
	if err != nil {
		return "", zkerrors.Wrap(zkerrors.IO, "archive.Create", err)
	}

	if !inputInfo.IsDir() {
		return output, createFromArchiveFile(ctx, exec, params, output, action)
	}

	if params.Encrypt {
		return output, createEncrypted(ctx, exec, registry, params, output, action, now)
	}

	return output, createPlain(ctx, exec, params, output, action)
}

func autoName(input string, encrypt bool, now time.Time) string {
	ext := "sqfs"
	if encrypt {
		ext = "sqfs_luks.img"
	}
	suffix := 100000 + rand.Uint32()%900000 //nolint:gosec // collision-avoidance suffix, not a secret
	return fmt.Sprintf("%s_%d_%d.%s", filepath.Base(strings.TrimRight(input, "/")), now.Unix(), suffix, ext)
}

func createPlain(ctx context.Context, exec executor.CommandExecutor, params CreateParams, output string, action Action) error {
	args := append([]string{params.Input, output}, params.Compression.mksquashfsArgs()...)
	if action != ActionAppend {
		args = append(args, "-noappend")
	}

	res, err := runPackWithProgress(ctx, exec, output, params, "mksquashfs", args...)
	if err != nil {
		return zkerrors.Wrap(zkerrors.Compression, "archive.createPlain", err)
	}
	if !res.Success() {
		return zkerrors.New(zkerrors.Compression, "archive.createPlain", "mksquashfs failed: "+string(res.Stderr))
	}
	return nil
}

func createFromArchiveFile(ctx context.Context, exec executor.CommandExecutor, params CreateParams, output string, action Action) error {
	decompressor, ok := decompressorFor(params.Input)
	if !ok {
		return zkerrors.New(zkerrors.Compression, "archive.createFromArchiveFile", "unsupported archive-file suffix: "+params.Input)
	}

	tar2sqfsArgs := []string{"-c", "zstd"}
	if action == ActionAppend {
		tar2sqfsArgs = append(tar2sqfsArgs, "-a")
	}
	tar2sqfsArgs = append(tar2sqfsArgs, output)

	pipeline := fmt.Sprintf("set -o pipefail; %s %s | tar2sqfs %s", decompressor, shellQuotePath(params.Input), strings.Join(tar2sqfsArgs, " "))

	res, err := exec.Run(ctx, "sh", "-c", pipeline)
	if err != nil {
		return zkerrors.Wrap(zkerrors.Compression, "archive.createFromArchiveFile", err)
	}
	if !res.Success() {
		return zkerrors.New(zkerrors.Compression, "archive.createFromArchiveFile", "archive repack failed: "+string(res.Stderr))
	}
	return nil
}

func shellQuotePath(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

func createEncrypted(ctx context.Context, exec executor.CommandExecutor, registry *cleanup.Registry, params CreateParams, output string, action Action, now time.Time) error {
	rawSize, err := measureSize(params.Input)
	if err != nil {
		return zkerrors.Wrap(zkerrors.IO, "archive.createEncrypted", err)
	}

	fstype := fstypeOfParent(filepath.Dir(output))
	containerSize, err := ContainerSize(rawSize, fstype)
	if err != nil {
		return err
	}

	reusingContainer := action == ActionAppend || action == ActionRebuild
	if !reusingContainer {
		if err := materializeContainer(ctx, exec, output, containerSize); err != nil {
			return err
		}
	}

	tx := BeginLuksTransaction(registry, exec, nil, output)

	if !reusingContainer {
		if res, err := exec.RunInteractive(ctx, "cryptsetup", "luksFormat", output); err != nil || res != 0 {
			tx.Release(ctx)
			return zkerrors.New(zkerrors.LUKS, "archive.createEncrypted", "cryptsetup luksFormat failed")
		}
	}

	mapper := MapperName(output, now, MapperExists)
	if res, err := exec.RunInteractive(ctx, "cryptsetup", "open", output, mapper); err != nil || res != 0 {
		tx.Release(ctx)
		return zkerrors.New(zkerrors.LUKS, "archive.createEncrypted", "cryptsetup open failed")
	}
	tx.SetMapper(mapper)

	mapperPath := "/dev/mapper/" + mapper
	args := append([]string{params.Input, mapperPath}, params.Compression.mksquashfsArgs()...)
	if action != ActionAppend {
		args = append(args, "-noappend")
	}
	res, err := runPackWithProgress(ctx, exec, mapperPath, params, "mksquashfs", args...)
	if err != nil {
		tx.Release(ctx)
		return zkerrors.Wrap(zkerrors.Compression, "archive.createEncrypted", err)
	}
	if !res.Success() {
		tx.Release(ctx)
		return zkerrors.New(zkerrors.Compression, "archive.createEncrypted", "mksquashfs failed: "+string(res.Stderr))
	}

	innerSize, offset, err := measureInnerSizeAndOffset(ctx, exec, output, mapperPath)
	if err != nil {
		tx.Release(ctx)
		return err
	}

	trimSize, err := TrimSize(innerSize, offset)
	if err != nil {
		tx.Release(ctx)
		return err
	}

	// MarkSuccess before Release: the container is complete, so Release
	// must close the mapper but keep the file. Trim runs only once Release
	// has closed the mapper — truncating a device still open under a
	// dm-crypt mapping would not shrink the underlying file at all.
	tx.MarkSuccess()
	tx.Release(ctx)

	if err := os.Truncate(output, trimSize); err != nil {
		return zkerrors.Wrap(zkerrors.IO, "archive.createEncrypted", err)
	}
	return nil
}

func runPackWithProgress(ctx context.Context, exec executor.CommandExecutor, outputPath string, params CreateParams, program string, args ...string) (executor.Result, error) {
	switch params.ProgressMode {
	case ProgressVanilla:
		return exec.RunWithStdoutProgress(ctx, params.Progress, program, args...)
	case ProgressAlfa:
		return exec.RunWithFileProgress(ctx, outputPath, params.Progress, time.Second, program, args...)
	default:
		return exec.Run(ctx, program, args...)
	}
}

func measureSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func fstypeOfParent(dir string) string {
	canonical, err := filepath.EvalSymlinks(dir)
	if err != nil {
		canonical = dir
	}

	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return ""
	}

	best := ""
	bestLen := -1
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		sepIdx := -1
		for i, f := range fields {
			if f == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || len(fields) < sepIdx+2 {
			continue
		}
		mountPoint := fields[4]
		if strings.HasPrefix(canonical, mountPoint) && len(mountPoint) > bestLen {
			best = fields[sepIdx+1]
			bestLen = len(mountPoint)
		}
	}
	return best
}

func materializeContainer(ctx context.Context, exec executor.CommandExecutor, path string, size int64) error {
	if res, err := exec.Run(ctx, "fallocate", "-l", strconv.FormatInt(size, 10), path); err == nil && res.Success() {
		return nil
	}

	blocks := size/oneMiB + 1
	res, err := exec.Run(ctx, "dd", "if=/dev/zero", "of="+path, "bs=1M", "count="+strconv.FormatInt(blocks, 10))
	if err != nil {
		return zkerrors.Wrap(zkerrors.IO, "archive.materializeContainer", err)
	}
	if !res.Success() {
		return zkerrors.New(zkerrors.IO, "archive.materializeContainer", "failed to materialize container: "+string(res.Stderr))
	}
	return nil
}

func measureInnerSizeAndOffset(ctx context.Context, exec executor.CommandExecutor, containerPath, mapperPath string) (innerSize, offset int64, err error) {
	sizeRes, sizeErr := exec.Run(ctx, "unsquashfs", "-s", mapperPath)
	if sizeErr != nil {
		return 0, 0, zkerrors.Wrap(zkerrors.Compression, "archive.measureInnerSizeAndOffset", sizeErr)
	}
	innerSize = parseUnsquashfsSize(string(sizeRes.Stdout))

	dumpRes, dumpErr := exec.Run(ctx, "cryptsetup", "luksDump", containerPath)
	if dumpErr != nil {
		return 0, 0, zkerrors.Wrap(zkerrors.LUKS, "archive.measureInnerSizeAndOffset", dumpErr)
	}
	offset = parseLuksPayloadOffset(string(dumpRes.Stdout))

	return innerSize, offset, nil
}

func parseUnsquashfsSize(output string) int64 {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "Filesystem size") {
			fields := strings.Fields(line)
			for _, f := range fields {
				if n, err := strconv.ParseInt(f, 10, 64); err == nil {
					return n
				}
			}
		}
	}
	return 0
}

func parseLuksPayloadOffset(output string) int64 {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "offset") && strings.Contains(line, ":") {
			fields := strings.Fields(line)
			for _, f := range fields {
				if n, err := strconv.ParseInt(f, 10, 64); err == nil {
					return n * 512 // cryptsetup reports offsets in 512-byte sectors
				}
			}
		}
	}
	return luksHeaderSize
}

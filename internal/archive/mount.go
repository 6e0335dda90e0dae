package archive

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/pathutil"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// maxProcScan bounds how many /proc/<pid> entries Unmount examines when
// looking for live FUSE readers or mapper dependents of an image file.
const maxProcScan = 10000

// UnmountGuard owns a mount point path and unmounts it on Release. Errors
// during release are logged and swallowed, matching every other cleanup
// path in the engine.
type UnmountGuard struct {
	exec       executor.CommandExecutor
	mountPoint string
	luks       bool
	mapper     string
	logger     *slog.Logger
	released   bool
}

// NewUnmountGuard returns a guard that unmounts mountPoint on Release. If
// mapper is non-empty, the mapper is also closed after unmounting.
func NewUnmountGuard(exec executor.CommandExecutor, mountPoint, mapper string, logger *slog.Logger) *UnmountGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnmountGuard{exec: exec, mountPoint: mountPoint, mapper: mapper, luks: mapper != "", logger: logger}
}

func (g *UnmountGuard) Release(ctx context.Context) {
	if g.released {
		return
	}
	g.released = true

	if g.luks {
		if res, err := g.exec.Run(ctx, "umount", g.mountPoint); err != nil || !res.Success() {
			g.logger.Warn("archive: umount failed", "mount_point", g.mountPoint, "error", err)
		}
		if err := closeMapperWithRetry(ctx, g.exec, g.mapper); err != nil {
			g.logger.Warn("archive: failed to close mapper on unmount guard release", "mapper", g.mapper, "error", err)
		}
	} else {
		if res, err := g.exec.Run(ctx, "fusermount", "-u", g.mountPoint); err != nil || !res.Success() {
			g.logger.Warn("archive: fusermount -u failed", "mount_point", g.mountPoint, "error", err)
		}
	}
}

// MountArchive mounts image at mountPoint, discovering for itself whether
// image is a LUKS container (via a header sniff) and, if so, reusing an
// existing mapper or opening the container interactively before mounting.
func MountArchive(ctx context.Context, exec executor.CommandExecutor, image, mountPoint string) (*UnmountGuard, error) {
	isLUKS, err := pathutil.SniffLUKSHeader(image)
	if err != nil {
		return nil, err
	}
	if !isLUKS {
		return Mount(ctx, exec, image, mountPoint, "", false)
	}

	mapper := MapperName(image, time.Now(), MapperExists)
	if MapperExists(mapper) {
		if guard, err := Mount(ctx, exec, image, mountPoint, mapper, true); err == nil {
			return guard, nil
		}
		_ = closeMapperWithRetry(ctx, exec, mapper)
	}

	if res, err := exec.RunInteractive(ctx, "cryptsetup", "open", image, mapper); err != nil || res != 0 {
		return nil, zkerrors.New(zkerrors.LUKS, "archive.MountArchive", "cryptsetup open failed")
	}
	guard, err := Mount(ctx, exec, image, mountPoint, mapper, true)
	if err != nil {
		_ = closeMapperWithRetry(ctx, exec, mapper)
		return nil, err
	}
	return guard, nil
}

// Mount mounts image at mountPoint. If isLUKS, mapper must already be the
// resolved mapper name (created or reused); otherwise image is mounted
// directly with the FUSE-based reader, permitting a non-empty mountPoint.
func Mount(ctx context.Context, exec executor.CommandExecutor, image, mountPoint, mapper string, isLUKS bool) (*UnmountGuard, error) {
	canonical, err := filepath.EvalSymlinks(image)
	if err != nil {
		return nil, zkerrors.Wrap(zkerrors.IO, "archive.Mount", err)
	}

	if isLUKS {
		res, err := exec.Run(ctx, "mount", "-t", "squashfs", "/dev/mapper/"+mapper, mountPoint)
		if err != nil || !res.Success() {
			_ = closeMapperWithRetry(ctx, exec, mapper)
			return nil, zkerrors.New(zkerrors.LUKS, "archive.Mount", "failed to mount mapper device: "+string(res.Stderr))
		}
		return NewUnmountGuard(exec, mountPoint, mapper, nil), nil
	}

	res, err := exec.Run(ctx, "squashfuse", "-o", "nonempty", canonical, mountPoint)
	if err != nil || !res.Success() {
		return nil, zkerrors.New(zkerrors.Compression, "archive.Mount", "failed to mount plain squashfs image: "+string(res.Stderr))
	}
	return NewUnmountGuard(exec, mountPoint, "", nil), nil
}

// FindLiveMounts scans for processes and mappers tied to the canonicalized
// image path: FUSE readers found via /proc/<pid>/cmdline, and mapper
// devices found by resolving /proc/self/mountinfo mapper entries through
// losetup -j and dmsetup deps. The scan examines at most maxProcScan
// process entries.
func FindLiveMounts(ctx context.Context, exec executor.CommandExecutor, canonicalImage string) (fusePIDs []int, mappers []string, err error) {
	procEntries, readErr := os.ReadDir("/proc")
	if readErr != nil {
		return nil, nil, zkerrors.Wrap(zkerrors.IO, "archive.FindLiveMounts", readErr)
	}

	examined := 0
	for _, e := range procEntries {
		if examined >= maxProcScan {
			break
		}
		pid, convErr := strconv.Atoi(e.Name())
		if convErr != nil {
			continue
		}
		examined++

		cmdline, readErr := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if readErr != nil {
			continue
		}
		if strings.Contains(string(cmdline), canonicalImage) {
			fusePIDs = append(fusePIDs, pid)
		}
	}

	mountinfo, readErr := os.ReadFile("/proc/self/mountinfo")
	if readErr != nil {
		return fusePIDs, nil, zkerrors.Wrap(zkerrors.IO, "archive.FindLiveMounts", readErr)
	}

	losetupRes, _ := exec.Run(ctx, "losetup", "-j", canonicalImage)
	loopDevices := parseLoopDevices(string(losetupRes.Stdout))

	for _, line := range strings.Split(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		mountSource := pathutil.UnescapeMountinfoOctal(fields[len(fields)-2])
		mapperName := filepath.Base(mountSource)
		if !strings.HasPrefix(mapperName, "sq_") {
			continue
		}
		depsRes, depsErr := exec.Run(ctx, "dmsetup", "deps", "-o", "devname", mapperName)
		if depsErr != nil {
			continue
		}
		for _, loop := range loopDevices {
			if strings.Contains(string(depsRes.Stdout), filepath.Base(loop)) {
				mappers = append(mappers, mapperName)
				break
			}
		}
	}
	return fusePIDs, mappers, nil
}

func parseLoopDevices(losetupOutput string) []string {
	var devices []string
	for _, line := range strings.Split(losetupOutput, "\n") {
		if idx := strings.Index(line, ":"); idx > 0 {
			devices = append(devices, strings.TrimSpace(line[:idx]))
		}
	}
	return devices
}

// Unmount tears down every mount point associated with target, which may
// itself be a mount point directory or an image file. Discovered plain
// mounts are released via fusermount -u; mapper mounts via umount then
// cryptsetup close. A mount-point directory target is removed afterward if
// empty; for an image-file target, no mount-point directory is removed.
func Unmount(ctx context.Context, exec executor.CommandExecutor, target string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(target)
	if err != nil {
		return zkerrors.Wrap(zkerrors.IO, "archive.Unmount", err)
	}

	if info.IsDir() {
		if res, err := exec.Run(ctx, "fusermount", "-u", target); err == nil && res.Success() {
			return removeIfEmpty(target)
		}
		if res, err := exec.Run(ctx, "umount", target); err == nil && res.Success() {
			return removeIfEmpty(target)
		}
		return zkerrors.New(zkerrors.OperationFailed, "archive.Unmount", "failed to unmount "+target)
	}

	canonical, err := filepath.EvalSymlinks(target)
	if err != nil {
		return zkerrors.Wrap(zkerrors.IO, "archive.Unmount", err)
	}

	fusePIDs, mappers, err := FindLiveMounts(ctx, exec, canonical)
	if err != nil {
		return err
	}
	for _, pid := range fusePIDs {
		if res, err := exec.Run(ctx, "fusermount", "-u", "/proc/"+strconv.Itoa(pid)+"/cwd"); err != nil || !res.Success() {
			logger.Warn("archive: failed to unmount FUSE reader", "pid", pid, "error", err)
		}
	}
	for _, mapper := range mappers {
		if res, err := exec.Run(ctx, "umount", "/dev/mapper/"+mapper); err != nil || !res.Success() {
			logger.Warn("archive: umount failed for mapper", "mapper", mapper, "error", err)
		}
		if err := closeMapperWithRetry(ctx, exec, mapper); err != nil {
			logger.Warn("archive: cryptsetup close failed for mapper", "mapper", mapper, "error", err)
		}
	}
	return nil
}

func removeIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	if len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}

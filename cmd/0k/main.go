/*
0k ("Zero-Kelvin") stages live files into a build directory without copying
bytes, drives a namespace-isolated SquashFS/LUKS archive builder, and
restores or checks files back against a mounted archive.

The command surface here is intentionally thin: argument parsing,
subcommand help text and a man page are out of scope for this binary.
0k is meant to be driven by a wrapping tool or script that owns the
user-facing CLI; this entrypoint exists to wire the engine packages
together and to be the self-invoked "archive create" target that a
generated freeze script calls into.
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/afero"

	"github.com/antony-hash512/zero-kelvin/internal/archive"
	"github.com/antony-hash512/zero-kelvin/internal/checkrestore"
	"github.com/antony-hash512/zero-kelvin/internal/cleanup"
	"github.com/antony-hash512/zero-kelvin/internal/executor"
	"github.com/antony-hash512/zero-kelvin/internal/freezedriver"
	"github.com/antony-hash512/zero-kelvin/internal/privilege"
	"github.com/antony-hash512/zero-kelvin/internal/staging"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

const (
	exitCodeOK       = 0
	exitCodeFailure  = 1
	exitCodeArgError = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.TimeOnly,
	}))

	if len(args) == 0 {
		logger.Error("missing subcommand", "usage", "0k <freeze|unfreeze|check|archive> ...")
		return exitCodeArgError
	}

	exec := executor.RealExecutor{}
	registry := cleanup.New(realCloseMapper(exec), logger)
	stop := registry.InstallSignalHandler(nil)
	defer stop()

	ctx := context.Background()

	switch args[0] {
	case "freeze":
		return runFreeze(ctx, exec, logger, args[1:])
	case "unfreeze":
		return runUnfreeze(ctx, exec, logger, args[1:])
	case "check":
		return runCheck(ctx, exec, logger, args[1:])
	case "archive":
		return runArchive(ctx, exec, registry, logger, args[1:])
	default:
		logger.Error("unknown subcommand", "subcommand", args[0])
		return exitCodeArgError
	}
}

func realCloseMapper(exec executor.CommandExecutor) func(string) error {
	return func(mapper string) error {
		res, err := exec.Run(context.Background(), "cryptsetup", "close", mapper)
		if err != nil {
			return err
		}
		if !res.Success() {
			return zkerrors.New(zkerrors.LUKS, "main.realCloseMapper", "cryptsetup close failed: "+string(res.Stderr))
		}
		return nil
	}
}

// runFreeze stages targets, drives the namespace-isolated build, and
// invokes the archive builder via the generated script. args is
// "<output> <target>...".
func runFreeze(ctx context.Context, exec executor.CommandExecutor, logger *slog.Logger, args []string) int {
	if len(args) < 2 {
		logger.Error("freeze requires an output path and at least one target")
		return exitCodeArgError
	}
	output, targets := args[0], args[1:]

	fsys := afero.NewOsFs()
	session, err := staging.Prepare(fsys, staging.FlockLocker{}, os.Getenv, targets, false, hostname(), time.Now())
	if err != nil {
		logger.Error("failed to prepare staging session", "error", err)
		return exitCodeFailure
	}
	defer session.Close()

	self, err := os.Executable()
	if err != nil {
		logger.Error("failed to resolve own executable path", "error", err)
		return exitCodeFailure
	}

	strategy, err := freezedriver.SelectStrategy(false, privilege.EUID())
	if err != nil {
		logger.Error("failed to select unshare strategy", "error", err)
		return exitCodeFailure
	}

	script, err := freezedriver.GenerateScript(session.Manifest, session.BuildDir, session.PayloadDir, freezedriver.Options{
		Output:         output,
		Progress:       freezedriver.ProgressNone,
		ExecutablePath: self,
	})
	if err != nil {
		logger.Error("failed to generate freeze script", "error", err)
		return exitCodeFailure
	}

	scriptPath := session.BuildDir + "/freeze.sh"
	if err := afero.WriteFile(fsys, scriptPath, []byte(script), 0o700); err != nil {
		logger.Error("failed to write freeze script", "error", err)
		return exitCodeFailure
	}

	code, stderr, err := freezedriver.Run(ctx, exec, strategy, scriptPath)
	if err != nil {
		logger.Error("failed to run freeze script", "error", err)
		return exitCodeFailure
	}
	if code != 0 {
		logger.Error("freeze script exited non-zero", "exit_code", code, "stderr", string(stderr))
		return exitCodeFailure
	}

	logger.Info("freeze complete", "output", output)
	return exitCodeOK
}

// runArchive is the "archive create" entrypoint the generated freeze script
// invokes: "archive create [--encrypt] [--overwrite-files]
// [--overwrite-luks-content] [--compression N] <progress-flag> <input> <output>".
func runArchive(ctx context.Context, exec executor.CommandExecutor, registry *cleanup.Registry, logger *slog.Logger, args []string) int {
	if len(args) == 0 || args[0] != "create" {
		logger.Error("archive: only the create subcommand is supported here")
		return exitCodeArgError
	}
	args = args[1:]

	params := archive.CreateParams{Compression: archive.CompressionMode{Level: 19}}
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--encrypt":
			params.Encrypt = true
		case "--overwrite-files":
			params.OverwriteFiles = true
		case "--overwrite-luks-content":
			params.OverwriteLUKSContent = true
		case "--compression":
			i++
			level, err := strconv.Atoi(args[i])
			if err != nil {
				logger.Error("archive: invalid --compression value", "value", args[i])
				return exitCodeArgError
			}
			params.Compression = archive.CompressionMode{None: level == 0, Level: level}
		case "--vanilla-progress":
			params.ProgressMode = archive.ProgressVanilla
		case "--alfa-progress":
			params.ProgressMode = archive.ProgressAlfa
		case "--no-progress":
			params.ProgressMode = archive.ProgressNone
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 2 {
		logger.Error("archive: expected exactly <input> <output>")
		return exitCodeArgError
	}
	params.Input, params.Output = positional[0], positional[1]

	switch params.ProgressMode {
	case archive.ProgressVanilla:
		bars, sink := executor.NewPercentProgressBar(os.Stderr, filepath.Base(params.Input))
		defer bars.Wait()
		params.Progress = sink
	case archive.ProgressAlfa:
		inputSize, _ := measureInputSize(params.Input)
		bars, sink := executor.NewFileProgressBar(os.Stderr, filepath.Base(params.Input), inputSize)
		defer bars.Wait()
		params.Progress = sink
	}

	output, err := archive.Create(ctx, exec, registry, params, time.Now())
	if err != nil {
		logger.Error("archive create failed", "error", err)
		return exitCodeFailure
	}

	logger.Info("archive created", "output", output)
	return exitCodeOK
}

// runUnfreeze restores args[0] (the archive path) onto the live filesystem.
func runUnfreeze(ctx context.Context, exec executor.CommandExecutor, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		logger.Error("unfreeze requires exactly one archive path")
		return exitCodeArgError
	}

	opts := checkrestore.UnfreezeOptions{
		IsRoot:   privilege.IsRoot(),
		Conflict: checkrestore.ConflictSkipExisting,
	}
	if helper, ok := privilege.RealLookupHelper(); ok {
		opts.Elevate = func(ctx context.Context, rsyncArgs []string) (executor.Result, error) {
			return exec.Run(ctx, helper, append([]string{"rsync"}, rsyncArgs...)...)
		}
	}

	if err := checkrestore.Unfreeze(ctx, exec, afero.NewOsFs(), args[0], opts, logger); err != nil {
		logger.Error("unfreeze failed", "error", err)
		return exitCodeFailure
	}

	logger.Info("unfreeze complete", "archive", args[0])
	return exitCodeOK
}

// runCheck compares the live filesystem against args[0] (the archive path).
func runCheck(ctx context.Context, exec executor.CommandExecutor, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		logger.Error("check requires exactly one archive path")
		return exitCodeArgError
	}

	summary, err := checkrestore.Check(ctx, exec, args[0], checkrestore.CheckOptions{}, logger)
	if err != nil {
		logger.Error("check failed", "error", err)
		return exitCodeFailure
	}

	fmt.Printf("matched: %d files, %d dirs, %d links; mismatched: %d; missing: %d\n",
		summary.FilesMatched, summary.DirsMatched, summary.LinksMatched, summary.Mismatched, summary.Missing)
	return exitCodeOK
}

func measureInputSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

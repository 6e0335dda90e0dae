// Package checkrestore implements the archive-mounted walkers: Unfreeze
// restores an archive's contents back onto the live filesystem, Check
// compares a live root against the archive and optionally prunes entries
// that already match.
package checkrestore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/antony-hash512/zero-kelvin/internal/pathutil"
	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// resolveDest joins root with the entry's relative path via securejoin, then
// independently walks every already-existing ancestor component looking for
// a planted symlink. securejoin alone stops ".."/absolute escapes; the
// ancestor walk catches a symlink at a level securejoin considers a
// legitimate, pre-existing directory.
func resolveDest(fsys afero.Fs, root, relative string) (string, error) {
	joined, err := pathutil.SecureJoin(root, relative)
	if err != nil {
		return "", err
	}
	if err := guardAncestorSymlinks(fsys, root, joined); err != nil {
		return "", err
	}
	return joined, nil
}

// guardAncestorSymlinks walks dest's path components left to right, starting
// from root. The first component that does not yet exist ends the scan,
// since nothing we are about to create ourselves can be a pre-planted
// symlink. Any existing component that IS a symlink aborts with a security
// error.
func guardAncestorSymlinks(fsys afero.Fs, root, dest string) error {
	rel, err := filepath.Rel(root, dest)
	if err != nil {
		return zkerrors.Wrap(zkerrors.InvalidPath, "checkrestore.guardAncestorSymlinks", err)
	}
	if rel == "." {
		return nil
	}

	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)

		info, _, statErr := afero.LstatIfPossible(fsys, current)
		if errors.Is(statErr, os.ErrNotExist) {
			return nil
		}
		if statErr != nil {
			return zkerrors.Wrap(zkerrors.IO, "checkrestore.guardAncestorSymlinks", statErr)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return zkerrors.New(zkerrors.InvalidPath, "checkrestore.guardAncestorSymlinks", "refusing to write through a pre-existing symlink at "+current)
		}
	}
	return nil
}

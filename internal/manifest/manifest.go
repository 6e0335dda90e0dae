// Package manifest defines the list.yaml data model written into every
// archive: the dense, 1-based id-to-path mapping that staging produces and
// that freeze, check and unfreeze all read back.
package manifest

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

// maxManifestBytes bounds how much of a list.yaml we will ever read before
// attempting to parse it. An archive claiming a multi-gigabyte manifest is
// either corrupt or hostile; refuse it before the YAML decoder ever sees it.
const maxManifestBytes = 10 * 1024 * 1024

// EntryType classifies what a FileEntry staged.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
	EntrySymlink   EntryType = "symlink"
)

// PrivilegeMode records whether the archive was built with elevated
// privileges, which governs what check/unfreeze are allowed to touch on
// restore.
type PrivilegeMode string

const (
	PrivilegeUser PrivilegeMode = "user"
	PrivilegeRoot PrivilegeMode = "root"
)

// FileEntry is one staged item. Entries come in two shapes: the current
// format carries Name + RestorePath (the parent directory); the legacy
// format carries a single OriginalPath instead. Exactly one shape is
// populated on any entry that passes Validate.
type FileEntry struct {
	ID   uint32    `yaml:"id"`
	Type EntryType `yaml:"type"`

	Name        string `yaml:"name,omitempty"`
	RestorePath string `yaml:"restore_path,omitempty"`

	OriginalPath string `yaml:"original_path,omitempty"`
}

// Resolve returns the absolute restore destination for the entry,
// regardless of which of the two on-disk shapes it was read in.
func (e FileEntry) Resolve() (string, error) {
	if e.OriginalPath != "" {
		return e.OriginalPath, nil
	}
	if e.Name != "" && e.RestorePath != "" {
		return strings.TrimRight(e.RestorePath, "/") + "/" + e.Name, nil
	}
	return "", zkerrors.New(zkerrors.Manifest, "FileEntry.Resolve", fmt.Sprintf("entry %d has neither a legacy original_path nor a name/restore_path pair", e.ID))
}

// Validate enforces the naming and path-traversal invariants shared by both
// manifest formats: a name may never be ".", "..", contain "/" or a NUL
// byte; a path component may never be "..". Consecutive dots ("backup..2024.tar")
// are explicitly not path traversal and must pass. It also requires exactly
// one of the two entry shapes: a name/restore_path pair or an original_path.
func (e FileEntry) Validate() error {
	if e.Name != "" {
		if e.Name == "." || e.Name == ".." || strings.Contains(e.Name, "/") || strings.ContainsRune(e.Name, 0) {
			return zkerrors.New(zkerrors.Manifest, "FileEntry.Validate", fmt.Sprintf("entry %d: invalid name %q: names cannot be \".\", \"..\", or contain \"/\" or a null byte", e.ID, e.Name))
		}
	}
	if err := validateNoDotDot(e.ID, "restore_path", e.RestorePath); err != nil {
		return err
	}
	if err := validateNoDotDot(e.ID, "original_path", e.OriginalPath); err != nil {
		return err
	}
	switch e.Type {
	case EntryFile, EntryDirectory, EntrySymlink:
	default:
		return zkerrors.New(zkerrors.Manifest, "FileEntry.Validate", fmt.Sprintf("entry %d: unknown type %q", e.ID, e.Type))
	}
	if (e.Name != "" && e.RestorePath != "") == (e.OriginalPath != "") {
		return zkerrors.New(zkerrors.Manifest, "FileEntry.Validate", fmt.Sprintf("entry %d: exactly one of a name/restore_path pair or an original_path must be present", e.ID))
	}
	return nil
}

func validateNoDotDot(id uint32, field, path string) error {
	if path == "" {
		return nil
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return zkerrors.New(zkerrors.Manifest, "FileEntry.Validate", fmt.Sprintf("entry %d: %s contains a \"..\" component: %q", id, field, path))
		}
	}
	return nil
}

// Metadata is the manifest header: when and on what host the archive was
// built, and under what privilege mode. PrivilegeMode is absent on legacy
// archives built before the field existed.
type Metadata struct {
	Date          string         `yaml:"date"`
	Host          string         `yaml:"host"`
	PrivilegeMode *PrivilegeMode `yaml:"privilege_mode,omitempty"`
}

// Manifest is the full list.yaml contents.
type Manifest struct {
	Metadata Metadata    `yaml:"metadata"`
	Files    []FileEntry `yaml:"files"`
}

// Load decodes a manifest from r, capping the amount read at
// maxManifestBytes before the YAML decoder ever sees the stream. This is a
// defense against a hostile or corrupt archive shipping a list.yaml large
// enough to make the decoder itself the resource exhaustion vector.
func Load(r io.Reader) (*Manifest, error) {
	limited := io.LimitReader(r, maxManifestBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, zkerrors.Wrap(zkerrors.IO, "manifest.Load", err)
	}
	if len(raw) > maxManifestBytes {
		return nil, zkerrors.New(zkerrors.Manifest, "manifest.Load", fmt.Sprintf("list.yaml exceeds the %d byte limit", maxManifestBytes))
	}

	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, zkerrors.Wrap(zkerrors.Manifest, "manifest.Load", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every entry and reports the first invariant violation
// found.
func (m *Manifest) Validate() error {
	for _, entry := range m.Files {
		if err := entry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes the manifest to w in the on-disk list.yaml format.
func (m *Manifest) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(m); err != nil {
		return zkerrors.Wrap(zkerrors.Manifest, "manifest.Encode", err)
	}
	return nil
}

// NextID returns the next dense, 1-based id to assign when appending an
// entry to the manifest.
func (m *Manifest) NextID() uint32 {
	var max uint32
	for _, e := range m.Files {
		if e.ID > max {
			max = e.ID
		}
	}
	return max + 1
}

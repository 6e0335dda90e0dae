package archive

import (
	"github.com/ccoveille/go-safecast"
	units "github.com/docker/go-units"

	"github.com/antony-hash512/zero-kelvin/internal/zkerrors"
)

const (
	luksHeaderSize  = 32 * units.MiB
	luksSafetyBuf   = 128 * units.MiB
	oneMiB          = units.MiB
	overheadJournal = 0.50 // journaling/COW filesystems (btrfs, ext4 w/ journal, zfs, ...)
	overheadPlain   = 0.10
)

// journalingFilesystems lists the fstypes that need the higher overhead
// factor when sizing a LUKS container, since copy-on-write and journaling
// layouts can transiently need substantially more backing space than the
// raw payload.
var journalingFilesystems = map[string]bool{
	"btrfs": true,
	"zfs":   true,
	"xfs":   true,
	"ext4":  true,
}

// ContainerSize computes the LUKS container size for a payload of rawSize
// bytes sitting on a filesystem of the given type: raw input plus overhead
// (50% for journaling/COW filesystems, else 10%), plus the LUKS2 header,
// plus a safety buffer, aligned up to 1 MiB.
func ContainerSize(rawSize int64, fstype string) (int64, error) {
	if rawSize < 0 {
		return 0, zkerrors.New(zkerrors.Compression, "archive.ContainerSize", "negative raw size")
	}

	overhead := overheadPlain
	if journalingFilesystems[fstype] {
		overhead = overheadJournal
	}

	raw, err := safecast.ToUint64(rawSize)
	if err != nil {
		return 0, zkerrors.Wrap(zkerrors.Compression, "archive.ContainerSize", err)
	}

	withOverhead := raw + uint64(float64(raw)*overhead)
	total := withOverhead + luksHeaderSize + luksSafetyBuf
	aligned := alignUp(total, oneMiB)

	signed, err := safecast.ToInt64(aligned)
	if err != nil {
		return 0, zkerrors.Wrap(zkerrors.Compression, "archive.ContainerSize", err)
	}
	return signed, nil
}

// alignUp rounds size up to the next multiple of block.
func alignUp(size, block uint64) uint64 {
	if size%block == 0 {
		return size
	}
	return (size/block + 1) * block
}

// TrimSize computes the final, post-pack trim size for a LUKS container:
// the inner SquashFS size plus its LUKS payload offset plus 1 MiB, aligned
// up to 4 KiB.
func TrimSize(innerSize, payloadOffset int64) (int64, error) {
	if innerSize < 0 || payloadOffset < 0 {
		return 0, zkerrors.New(zkerrors.Compression, "archive.TrimSize", "negative size or offset")
	}
	inner, err := safecast.ToUint64(innerSize)
	if err != nil {
		return 0, zkerrors.Wrap(zkerrors.Compression, "archive.TrimSize", err)
	}
	offset, err := safecast.ToUint64(payloadOffset)
	if err != nil {
		return 0, zkerrors.Wrap(zkerrors.Compression, "archive.TrimSize", err)
	}
	aligned := alignUp(inner+offset+oneMiB, 4*units.KiB)
	signed, err := safecast.ToInt64(aligned)
	if err != nil {
		return 0, zkerrors.Wrap(zkerrors.Compression, "archive.TrimSize", err)
	}
	return signed, nil
}

// HumanSize formats a byte count for log lines, e.g. "512 MiB".
func HumanSize(size int64) string {
	return units.BytesSize(float64(size))
}

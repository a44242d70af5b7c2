package memory

import (
	"os"
	"path/filepath"
	"time"

	"github.com/relaycode/turnguard/internal/tokens"
	"github.com/relaycode/turnguard/internal/xerrors"
)

// RFC3339Milli is the timestamp format used for archive records: RFC3339
// with millisecond precision, matching the wire contract in SPEC_FULL §6.
const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

func estimateTokens(s string) int { return tokens.Estimate(s) }

// parseLenientTime accepts RFC3339 (with or without fractional seconds); on
// failure it returns the zero time and an error so the caller can skip the
// record rather than fabricate a timestamp the archive never had.
func parseLenientTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(RFC3339Milli, s)
}

// readIfExists returns the file's contents, or nil (no error) if it does
// not exist.
func readIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// firstNCols returns the first n display columns (runes, approximating
// "display columns" as rune count) of s.
func firstNCols(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// atomicWriteFile writes data to path via a temp file in the same
// directory, fsync, then rename — so a crash mid-write never leaves a
// half-written file in place. Grounded on the teacher's
// agent/session.go:atomicWriteSession pattern, with an explicit fsync added
// per SPEC_FULL §4.2's "write -> fsync -> rename where possible" mandate.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.IO, "create directory for "+path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return xerrors.Wrap(xerrors.IO, "create temp file for "+path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.IO, "write temp file for "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.IO, "fsync temp file for "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.IO, "close temp file for "+path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return xerrors.Wrap(xerrors.IO, "chmod temp file for "+path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return xerrors.Wrap(xerrors.IO, "rename into place "+path, err)
	}
	return nil
}

// BackupFolderInfo implements §4.11's folder-analysis and chain
// validation: given a backup folder containing one Full backup and
// zero or more Incrementals, find the Full, sort the Incrementals by
// BackupVersion, trim any branch that does not chain (by
// ParentBackupId) back to a kept ancestor, and verify what remains.
// Grounded on the teacher's file/file_manager.go for directory
// enumeration conventions.
package backup

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/storage"
)

// entry pairs one backup's metadata with the folder it lives in.
type entry struct {
	dir      string
	metadata MetadataFile
}

// FolderInfo is the result of analyzing a backup folder: the Full
// backup plus the surviving, ordered chain of Incrementals.
type FolderInfo struct {
	Root string
	Full entry
	// Chain holds the Incrementals that survive trimming, ordered
	// oldest to newest. It may be empty.
	Chain []entry
}

// AnalyzeAsync scans root for exactly one Full backup directory and
// any number of Incremental backup directories, trims divergent
// branches and verifies the result.
func AnalyzeAsync(root string) (*FolderInfo, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "backup: reading folder %s", root)
	}

	var full *entry
	var incrementals []entry

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(root, d.Name())

		if fullPath := filepath.Join(dir, fullMetadataName); fileExists(fullPath) {
			m, err := readMetadataFile(fullPath)
			if err != nil {
				return nil, err
			}
			if m.Option != logrecord.Full {
				return nil, errors.Wrapf(kind.ErrCorruption, "backup: %s has full metadata but Option=%v", dir, m.Option)
			}
			if full != nil {
				return nil, errors.Wrapf(kind.ErrInvalidOperation, "backup: folder %s contains more than one full backup (%s and %s)", root, full.dir, dir)
			}
			if !dirExists(filepath.Join(dir, stateManagerDirName)) {
				return nil, errors.Wrapf(kind.ErrCorruption, "backup: full backup %s missing %s directory", dir, stateManagerDirName)
			}
			full = &entry{dir: dir, metadata: m}
			continue
		}

		if incPath := filepath.Join(dir, incrementalMetadataName); fileExists(incPath) {
			m, err := readMetadataFile(incPath)
			if err != nil {
				return nil, err
			}
			if m.Option != logrecord.Incremental {
				return nil, errors.Wrapf(kind.ErrCorruption, "backup: %s has incremental metadata but Option=%v", dir, m.Option)
			}
			incrementals = append(incrementals, entry{dir: dir, metadata: m})
		}
	}

	if full == nil {
		return nil, errors.Wrapf(kind.ErrMissingFullBackup, "backup: no full backup found under %s", root)
	}

	// Stable so that two incrementals sharing a BackupVersion keep the
	// directory-name order os.ReadDir already returned them in, rather
	// than an unspecified tie-break: trim walks backward from the last
	// entry, so the alphabetically-later directory of an equal-version
	// pair is the one kept as "newest".
	sort.SliceStable(incrementals, func(i, j int) bool {
		return incrementals[i].metadata.Version().Compare(incrementals[j].metadata.Version()) < 0
	})

	chain := trim(*full, incrementals)

	if err := verify(*full, chain); err != nil {
		return nil, err
	}

	return &FolderInfo{Root: root, Full: *full, Chain: chain}, nil
}

// trim walks the sorted incrementals backward from the newest,
// keeping a contiguous chain whose ParentBackupId links match. Once an
// entry's ParentBackupId fails to match the currently required
// parent, that entry (and everything with a BackupVersion at or
// before it that isn't itself a match further back) is dropped: the
// scan keeps walking backward past divergent entries looking for one
// that does chain into what's already kept, since an orphaned branch
// can sit anywhere in version order when restores are taken from
// different intermediate points.
func trim(full entry, incrementals []entry) []entry {
	if len(incrementals) == 0 {
		return nil
	}

	kept := make([]bool, len(incrementals))
	kept[len(incrementals)-1] = true
	requiredParent := incrementals[len(incrementals)-1].metadata.ParentBackupId

	for i := len(incrementals) - 2; i >= 0; i-- {
		if incrementals[i].metadata.BackupId == requiredParent {
			kept[i] = true
			requiredParent = incrementals[i].metadata.ParentBackupId
		}
	}

	// The oldest kept entry must chain to the Full backup; if it
	// doesn't, the whole incremental chain is orphaned and dropped.
	if requiredParent != full.metadata.BackupId {
		return nil
	}

	var out []entry
	for i, e := range incrementals {
		if kept[i] {
			out = append(out, e)
		}
	}
	return out
}

// verify checks that the kept chain forms one strictly-increasing,
// same-DataLossVersion sequence rooted at full, and validates the
// backup log file of the full backup and of each kept Incremental.
func verify(full entry, chain []entry) error {
	if err := verifyLogFile(logFilePath(full.dir)); err != nil {
		return err
	}

	dlv := full.metadata.BackupEpoch.DataLossVersion
	prevParent := full.metadata.BackupId
	prevVersion := full.metadata.Version()

	for _, e := range chain {
		if e.metadata.ParentBackupId != prevParent {
			return errors.Wrapf(kind.ErrCorruption, "backup: %s does not chain to %s", e.dir, prevParent)
		}
		if e.metadata.BackupEpoch.DataLossVersion != dlv {
			return errors.Wrapf(kind.ErrCorruption, "backup: %s has DataLossVersion %d, chain is %d", e.dir, e.metadata.BackupEpoch.DataLossVersion, dlv)
		}
		if e.metadata.Version().Compare(prevVersion) <= 0 {
			return errors.Wrapf(kind.ErrCorruption, "backup: %s version does not advance past %s", e.dir, prevParent)
		}

		if err := verifyLogFile(logFilePath(e.dir)); err != nil {
			return err
		}

		prevParent = e.metadata.BackupId
		prevVersion = e.metadata.Version()
	}
	return nil
}

// verifyLogFile replays a backup log file's blocks, checking that the
// first record is Indexing and that LSNs are non-decreasing.
func verifyLogFile(path string) error {
	r, err := OpenLogReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	first := true
	var lastLsn storage.Lsn = storage.LsnInvalid

	for {
		records, ok, err := r.NextBlock()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for _, raw := range records {
			rec, err := logrecord.Decode(raw)
			if err != nil {
				return errors.Wrap(err, "backup: decoding backup log record")
			}
			if first {
				if rec.Type != logrecord.Indexing {
					return errors.Wrapf(kind.ErrCorruption, "backup: %s does not open with an Indexing record", path)
				}
				first = false
			}
			if rec.Lsn != storage.LsnInvalid {
				if lastLsn != storage.LsnInvalid && rec.Lsn < lastLsn {
					return errors.Wrapf(kind.ErrCorruption, "backup: %s has non-monotonic LSN at %d", path, rec.Lsn)
				}
				lastLsn = rec.Lsn
			}
		}
	}

	if first {
		return errors.Wrapf(kind.ErrCorruption, "backup: %s contains no records", path)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

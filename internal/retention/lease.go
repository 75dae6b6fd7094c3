package retention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"branchdb/pkg/logger"
)

// fileLease is a crude cross-process mutex: a JSON lock file created with
// os.Link for atomicity, carrying an owner and an expiry that stale holders
// cannot extend.
type fileLease struct {
	path string
}

type leaseFile struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

func (lf leaseFile) expired(now time.Time) bool {
	t, err := time.Parse(time.RFC3339, lf.Expires)
	return err == nil && t.Before(now)
}

func newFileLease(dir string) *fileLease {
	return &fileLease{path: filepath.Join(dir, "retention.lock")}
}

// read loads and decodes the current lock file.
func (l *fileLease) read() (leaseFile, error) {
	var lf leaseFile
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lf, err
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, err
	}
	return lf, nil
}

// stage writes a candidate lock to a sibling tmp file and returns its path.
func (l *fileLease) stage(lf leaseFile) (string, error) {
	b, _ := json.Marshal(lf)
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return "", err
	}
	return tmp, nil
}

// Acquire takes the lease for owner, or steals it when the current
// holder's expiry has passed. Returns false without error when the
// lease is validly held by someone else.
func (l *fileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tmp, err := l.stage(leaseFile{Owner: owner, Expires: now.Add(ttl).Format(time.RFC3339)})
	if err != nil {
		logger.Error("lease_tmp_write_failed", "path", l.path, "error", err)
		return false, err
	}
	defer os.Remove(tmp)

	// link fails when the lock already exists, which makes creation atomic
	if err := os.Link(tmp, l.path); err == nil {
		logger.Info("lease_acquired", "path", l.path, "owner", owner)
		return true, nil
	}
	existing, err := l.read()
	if err != nil {
		return false, err
	}
	if existing.expired(now) {
		if err := os.Rename(tmp, l.path); err != nil {
			logger.Error("lease_replace_failed", "error", err)
			return false, err
		}
		logger.Info("lease_acquired_expired_replaced", "path", l.path, "owner", owner, "previous", existing.Owner)
		return true, nil
	}
	logger.Info("lease_currently_held", "path", l.path, "owner", existing.Owner)
	return false, nil
}

// Renew extends the expiry of a lease the caller still owns.
func (l *fileLease) Renew(owner string, ttl time.Duration) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return fmt.Errorf("lease held by %s, not %s", existing.Owner, owner)
	}
	existing.Expires = time.Now().UTC().Add(ttl).Format(time.RFC3339)
	tmp, err := l.stage(existing)
	if err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

// Release removes the lock file if the caller owns it.
func (l *fileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		logger.Error("lease_release_not_owner", "owner", owner, "holder", existing.Owner)
		return fmt.Errorf("not owner")
	}
	return os.Remove(l.path)
}

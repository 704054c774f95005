package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var errPIDFileLive = errors.New("pid file names a running process")

// pidFile marks the running process so that a second instance started with
// the same --pid-file refuses to share the database.
type pidFile struct {
	path string
	pid  int
}

// lockPIDFile claims path for this process. An empty path disables locking
// and returns a nil *pidFile. A file left behind by a dead process is
// replaced and its PID returned as stale.
func lockPIDFile(path string) (pf *pidFile, stale int, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, 0, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, 0, fmt.Errorf("pid file dir: %w", err)
	}

	prev, err := readPIDFile(path)
	switch {
	case err == nil && processAlive(prev):
		return nil, 0, fmt.Errorf("%w: %s holds pid %d", errPIDFileLive, path, prev)
	case err == nil:
		stale = prev
	case errors.Is(err, fs.ErrNotExist):
	default:
		// Garbage is overwritten below.
	}

	pf = &pidFile{path: path, pid: os.Getpid()}
	if err := pf.write(); err != nil {
		return nil, 0, fmt.Errorf("write pid file: %w", err)
	}
	return pf, stale, nil
}

// unlock removes the file unless another process has rewritten it since.
func (p *pidFile) unlock() {
	if p == nil {
		return
	}
	if cur, err := readPIDFile(p.path); err == nil && cur == p.pid {
		_ = os.Remove(p.path)
	}
}

// write replaces the file atomically so a concurrent reader never sees a
// partial PID.
func (p *pidFile) write() (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(p.path), "."+filepath.Base(p.path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err = tmp.Write(strconv.AppendInt(nil, int64(p.pid), 10)); err != nil {
		return err
	}
	if _, err = tmp.WriteString("\n"); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p.path)
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid contents %q", path, raw)
	}
	return pid, nil
}

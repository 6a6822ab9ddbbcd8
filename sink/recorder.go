package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Recorder names result files with incrementing numbers in yyyy-mm-dd
// subfolders of Root, e.g. Root/2024-03-01/hist00004.txt.  Numbering is per
// prefix and extension and resumes from what is already on disk
type Recorder struct {
	mu sync.Mutex

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled is not used by the recorder; consumers check it before recording
	Enabled bool

	// now is swapped in tests
	now func() time.Time
}

// NewRecorder returns an enabled recorder
func NewRecorder(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Enabled: true}
}

func (r *Recorder) folder() string {
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	return filepath.Join(r.Root, now.Format("2006-01-02"))
}

// next scans fldr for the highest number used with ext and returns one past it
func (r *Recorder) next(fldr, ext string) (int, error) {
	entries, err := os.ReadDir(fldr)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		fn := e.Name()
		if e.IsDir() || !strings.HasPrefix(fn, r.Prefix) || !strings.HasSuffix(fn, ext) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ext))
		if err != nil {
			continue
		}
		if n > count {
			count = n
		}
	}
	return count + 1, nil
}

// NextPath makes today's folder and returns the next free file name with
// extension ext (".txt", ".fits", ".out")
func (r *Recorder) NextPath(ext string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextPath(ext)
}

func (r *Recorder) nextPath(ext string) (string, error) {
	fldr := r.folder()
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return "", err
	}
	n, err := r.next(fldr, ext)
	if err != nil {
		return "", err
	}
	return filepath.Join(fldr, fmt.Sprintf("%s%05d%s", r.Prefix, n, ext)), nil
}

// Create creates the next file with extension ext.  It fails rather than
// overwrite an existing file
func (r *Recorder) Create(ext string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, err := r.nextPath(ext)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(fn, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
}

// SetRoot changes the root folder and makes today's folder under it
func (r *Recorder) SetRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Root = root
	return os.MkdirAll(r.folder(), 0777)
}

// GetRoot returns the root folder
func (r *Recorder) GetRoot() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Root, nil
}

// SetPrefix changes the filename prefix
func (r *Recorder) SetPrefix(prefix string) error {
	if strings.ContainsAny(prefix, `/\`) {
		return fmt.Errorf("prefix %q may not contain a path separator", prefix)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prefix = prefix
	return nil
}

// GetPrefix returns the filename prefix
func (r *Recorder) GetPrefix() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Prefix, nil
}

// SetEnabled sets Enabled
func (r *Recorder) SetEnabled(b bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enabled = b
	return nil
}

// GetEnabled returns Enabled
func (r *Recorder) GetEnabled() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled, nil
}

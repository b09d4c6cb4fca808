package dstore_client

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/jimsnab/go-lane"
	"github.com/spf13/afero"
)

type (
	// fileCache keeps files sent by the peer under the local scratch path.
	fileCache struct {
		l     lane.Lane
		fs    afero.Fs
		attrs *Attributes
	}
)

func newFileCache(l lane.Lane, fs afero.Fs, attrs *Attributes) *fileCache {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &fileCache{l: l, fs: fs, attrs: attrs}
}

// maps a remote path to its location in the cache; the remote path can't
// escape the scratch directory
func (fc *fileCache) localPath(remotePath string) string {
	cleaned := path.Clean("/" + filepath.ToSlash(remotePath))
	return filepath.Join(fc.attrs.Get(KeyLocalPath), filepath.FromSlash(cleaned))
}

func (fc *fileCache) save(remotePath string, data []byte, appendData bool) error {
	if remotePath == "" {
		return fmt.Errorf("file document without a path")
	}

	local := fc.localPath(remotePath)
	if err := fc.fs.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendData {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := fc.fs.OpenFile(local, flags, 0644)
	if err != nil {
		return err
	}

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}

	fc.l.Tracef("cached %d bytes of %s at %s", len(data), remotePath, local)
	return f.Close()
}

func (fc *fileCache) read(remotePath string) ([]byte, error) {
	return afero.ReadFile(fc.fs, fc.localPath(remotePath))
}

package discovery

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

type localSource struct {
	root string
}

// Local walks root recursively. Files are ordered by path.
func Local(root string) Source {
	return localSource{root: root}
}

func (l localSource) List(ctx context.Context) ([]File, error) {
	var files []File
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !Matches(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, File{
			Name: path,
			Size: info.Size(),
			open: func(context.Context) (io.ReadCloser, error) { return os.Open(path) },
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: walk %s: %w", l.root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

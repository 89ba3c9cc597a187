package source

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h2non/filetype"
)

type mimeType string

const (
	mimeTypeTar  = mimeType("application/x-tar")
	mimeTypeGzip = mimeType("application/gzip")
)

var epoch = time.Unix(0, 0)

// Pack writes root as a gzipped tar stream. Entries are ordered lexically and carry no timestamps
// or ownership so identical trees produce identical archives. Paths are placed under prefix and
// anything matching skip is left out.
func Pack(w io.Writer, root, prefix string, skip func(rel string) bool) error {
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			if prefix == "" {
				return nil
			}
			return tw.WriteHeader(&tar.Header{
				Name:     strings.Trim(prefix, "/") + "/",
				Mode:     0o755,
				Typeflag: tar.TypeDir,
				ModTime:  epoch,
				Format:   tar.FormatPAX,
			})
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = strings.TrimPrefix(filepath.ToSlash(filepath.Join(prefix, rel)), "/")
		if info.IsDir() {
			header.Name += "/"
		}
		header.ModTime, header.AccessTime, header.ChangeTime = epoch, time.Time{}, time.Time{}
		header.Uid, header.Gid, header.Uname, header.Gname = 0, 0, "", ""
		header.Format = tar.FormatPAX

		if err = tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err = tw.Close(); err != nil {
		return err
	}
	return gzw.Close()
}

func getFileContentType(fp string) (ct mimeType, err error) {
	f, err := os.Open(fp)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	if _, err = f.Read(buf); err != nil {
		return
	}

	kind, err := filetype.Match(buf)
	if err != nil {
		return
	}

	return mimeType(kind.MIME.Value), nil
}

func extract(fp string, dst string) error {
	ct, err := getFileContentType(fp)
	if err != nil {
		return err
	}
	if ct != mimeTypeGzip && ct != mimeTypeTar {
		return fmt.Errorf("unsupported file content type %q", ct)
	}

	f, err := os.Open(fp)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader
	if ct == mimeTypeGzip {
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gzr.Close()

		r = gzr
	} else {
		r = bufio.NewReader(f)
	}

	tr := tar.NewReader(r)

	for {
		header, err := tr.Next()

		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		case header == nil:
			continue
		}

		target, err := sanitizeExtractPath(dst, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err = copyRegularFile(target, tr, header.Mode); err != nil {
				return err
			}
		}
	}
}

func sanitizeExtractPath(destination, filename string) (string, error) {
	destPath := filepath.Join(destination, filename)
	clean := filepath.Clean(destination)
	if destPath != clean && !strings.HasPrefix(destPath, clean+string(os.PathSeparator)) {
		return "", fmt.Errorf("content filepath tainted: %s", destPath)
	}

	return destPath, nil
}

func copyRegularFile(target string, tr *tar.Reader, mode int64) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(mode)&os.ModePerm)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = io.Copy(f, tr); err != nil {
		return fmt.Errorf("error reading tar regular file: %w", err)
	}

	return nil
}

// Package extraction unpacks uploaded archives into a destination
// directory, rejecting anything that would write outside of it.
package extraction

import (
	"archive/zip"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AllowedImageExts are the only file extensions extract will ever write
// out, independent of what an archive claims to contain.
var AllowedImageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

const macosxPrefix = "__MACOSX/"
const dsStoreSuffix = ".DS_Store"

// ErrPathEscape is returned when an archive entry would resolve outside
// of the destination directory.
type ErrPathEscape struct {
	Entry string
}

func (e *ErrPathEscape) Error() string {
	return fmt.Sprintf("archive entry %q escapes destination directory", e.Entry)
}

// isInDir reports whether target, once resolved, is inside base.
func isInDir(base, target string) (bool, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false, err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absBase, absTarget)
	if err != nil {
		return false, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

// secureFilename strips directory components and anything that isn't a
// conservative filename character, mirroring werkzeug's secure_filename
// well enough for our purposes: no path traversal can survive it.
func secureFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// File is one extracted file: its absolute path on disk.
type File struct {
	Path string
}

// ExtractFiles extracts filePath into destDir. If filePath is a single
// allowed image it is copied in place; if it is a .zip, every allowed
// image member is extracted, skipping directories, __MACOSX/ entries and
// .DS_Store files. A zip member whose own name resolves outside destDir
// is skipped rather than extracted. Every resulting path is verified to
// stay inside destDir before it is written.
func ExtractFiles(filePath, destDir string) ([]File, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	if ext == ".zip" {
		return extractZip(filePath, destDir)
	}

	if AllowedImageExts[ext] {
		return extractSingleImage(filePath, destDir)
	}

	return nil, fmt.Errorf("unsupported archive/image extension: %s", ext)
}

func extractSingleImage(filePath, destDir string) ([]File, error) {
	name := secureFilename(filepath.Base(filePath))
	if name == "" {
		return nil, fmt.Errorf("empty filename after sanitization")
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	dest := filepath.Join(destDir, name)
	ok, err := isInDir(destDir, dest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ErrPathEscape{Entry: name}
	}

	if err := copyFile(filePath, dest); err != nil {
		return nil, err
	}

	return []File{{Path: dest}}, nil
}

func extractZip(filePath, destDir string) ([]File, error) {
	r, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	var out []File
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.HasPrefix(f.Name, macosxPrefix) || strings.HasSuffix(f.Name, dsStoreSuffix) {
			continue
		}
		if inside, err := isInDir(destDir, filepath.Join(destDir, f.Name)); err != nil {
			return nil, err
		} else if !inside {
			continue
		}

		ext := strings.ToLower(filepath.Ext(f.Name))
		if !AllowedImageExts[ext] {
			continue
		}

		name := secureFilename(f.Name)
		if name == "" {
			continue
		}

		dest := filepath.Join(destDir, name)
		ok, err := isInDir(destDir, dest)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &ErrPathEscape{Entry: f.Name}
		}

		if err := extractZipEntry(f, dest); err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}

		out = append(out, File{Path: dest})
	}

	return out, nil
}

func extractZipEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer w.Close()

	_, err = io.Copy(w, rc)
	return err
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// FindFreeTCPPort scans upward from startPort looking for one this host
// can bind, used by workers that run several to a machine.
func FindFreeTCPPort(host string, startPort int, maxTries int) (int, error) {
	for i := 0; i < maxTries; i++ {
		port := startPort + i
		ln, err := tryListen(host, port)
		if err == nil {
			ln.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free TCP port found starting at %d after %d tries", startPort, maxTries)
}

func tryListen(host string, port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

package skills

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const maxSkillFileBytes = 10 << 20

// Install unpacks a .skill archive (a zip) into the workspace skills dir
// under a directory named after the archive. A single shared top-level
// directory inside the archive is stripped first. Returns the skill name.
func (r *Registry) Install(archivePath string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("skills: open archive: %w", err)
	}
	defer zr.Close()

	skillName := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	if skillName == "" || skillName == "." {
		return "", fmt.Errorf("skills: cannot derive skill name from %q", archivePath)
	}
	skillDir, err := safeJoin(r.workspaceDir, skillName)
	if err != nil {
		return "", err
	}

	prefix := commonRoot(zr.File)
	wrote := false
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, prefix)
		if name == "" {
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("skills: archive contains symlink %q", f.Name)
		}

		dest, err := safeJoin(skillDir, name)
		if err != nil {
			return "", err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", err
		}
		if err := extractFile(f, dest); err != nil {
			return "", err
		}
		wrote = true
	}
	if !wrote {
		return "", fmt.Errorf("skills: empty archive")
	}

	r.invalidate()
	return skillName, nil
}

func extractFile(f *zip.File, dest string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	// LimitReader guards against decompression bombs.
	n, err := io.Copy(out, io.LimitReader(src, maxSkillFileBytes+1))
	if err != nil {
		return err
	}
	if n > maxSkillFileBytes {
		return fmt.Errorf("skills: %s exceeds %d bytes", f.Name, maxSkillFileBytes)
	}
	return nil
}

// safeJoin resolves name under root and rejects escapes.
func safeJoin(root, name string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("skills: archive entry %q escapes skills dir", name)
	}
	return dest, nil
}

// commonRoot returns the single top-level directory shared by every entry,
// or "" when entries sit at multiple roots.
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		parts := strings.SplitN(filepath.ToSlash(f.Name), "/", 2)
		if len(parts) < 2 {
			return ""
		}
		if root == "" {
			root = parts[0]
		} else if parts[0] != root {
			return ""
		}
	}
	if root == "" {
		return ""
	}
	return root + "/"
}

// Package library stores finished live photo pairs: the photo resource next
// to its motion clip, both named by the clip id.
package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
)

var log = logging.L("library")

const motionExt = ".mov"

// Asset is one saved pair.
type Asset struct {
	ID         string
	PhotoPath  string
	MotionPath string
	CreatedAt  time.Time
}

// Library receives the pipeline's output. SavePair takes ownership of the
// clip file.
type Library interface {
	SavePair(ctx context.Context, still media.StillFrame, clip media.SynthesizedClip) (Asset, error)
}

// containedPath ensures that the resolved path stays within basePath.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalLibrary keeps pairs flat in one directory as <id>.<photo ext> and
// <id>.mov.
type LocalLibrary struct {
	BasePath string
}

func NewLocalLibrary(basePath string) *LocalLibrary {
	return &LocalLibrary{BasePath: filepath.Clean(basePath)}
}

func (l *LocalLibrary) SavePair(ctx context.Context, still media.StillFrame, clip media.SynthesizedClip) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	if l.BasePath == "" {
		return Asset{}, errors.New("library base path is required")
	}
	if len(still.Encoded) == 0 {
		return Asset{}, fmt.Errorf("%w: photo resource is empty", media.ErrSourceMissing)
	}
	if clip.ID == "" || clip.Path == "" {
		return Asset{}, fmt.Errorf("%w: motion clip is missing", media.ErrSourceMissing)
	}

	photoPath, err := containedPath(l.BasePath, clip.ID+photoExt(still.Format))
	if err != nil {
		return Asset{}, err
	}
	motionPath, err := containedPath(l.BasePath, clip.ID+motionExt)
	if err != nil {
		return Asset{}, err
	}
	for _, p := range []string{photoPath, motionPath} {
		if _, err := os.Stat(p); err == nil {
			return Asset{}, fmt.Errorf("asset %s already exists: %w", clip.ID, os.ErrExist)
		}
	}
	if err := os.MkdirAll(l.BasePath, 0o755); err != nil {
		return Asset{}, fmt.Errorf("failed to create library directory: %w", err)
	}

	if err := atomic.WriteFile(photoPath, bytes.NewReader(still.Encoded)); err != nil {
		return Asset{}, fmt.Errorf("failed to write photo: %w", err)
	}
	if err := moveFile(clip.Path, motionPath); err != nil {
		_ = os.Remove(photoPath)
		return Asset{}, fmt.Errorf("failed to store motion clip: %w", err)
	}

	asset := Asset{ID: clip.ID, PhotoPath: photoPath, MotionPath: motionPath, CreatedAt: time.Now()}
	log.Info("live photo saved", logging.KeySessionID, clip.ID, logging.KeyPath, motionPath)
	return asset, nil
}

// List returns every complete pair, oldest first.
func (l *LocalLibrary) List() ([]Asset, error) {
	entries, err := os.ReadDir(l.BasePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Asset{}, nil
		}
		return nil, fmt.Errorf("failed to list library: %w", err)
	}

	photos := make(map[string]string)
	var assets []Asset
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		id := strings.TrimSuffix(name, ext)
		if ext != motionExt {
			photos[id] = filepath.Join(l.BasePath, name)
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		assets = append(assets, Asset{
			ID:         id,
			MotionPath: filepath.Join(l.BasePath, name),
			CreatedAt:  info.ModTime(),
		})
	}

	complete := assets[:0]
	for _, a := range assets {
		if p, ok := photos[a.ID]; ok {
			a.PhotoPath = p
			complete = append(complete, a)
		}
	}
	sort.Slice(complete, func(i, j int) bool {
		if complete[i].CreatedAt.Equal(complete[j].CreatedAt) {
			return complete[i].ID < complete[j].ID
		}
		return complete[i].CreatedAt.Before(complete[j].CreatedAt)
	})
	return complete, nil
}

// Delete removes both halves of a pair. Deleting an unknown id is not an
// error.
func (l *LocalLibrary) Delete(id string) error {
	if id == "" {
		return errors.New("asset id is required")
	}
	if _, err := containedPath(l.BasePath, id); err != nil {
		return err
	}
	entries, err := os.ReadDir(l.BasePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read library: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.TrimSuffix(name, filepath.Ext(name)) != id {
			continue
		}
		if err := os.Remove(filepath.Join(l.BasePath, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete asset file: %w", err)
		}
	}
	return nil
}

func photoExt(format string) string {
	switch format {
	case "", "jpeg":
		return ".jpg"
	default:
		return "." + format
	}
}

// moveFile renames src to dest, falling back to copy and remove when they
// sit on different volumes.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(srcPath, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	info, statErr := srcFile.Stat()
	if statErr != nil {
		_ = srcFile.Close()
		return fmt.Errorf("failed to stat source file: %w", statErr)
	}

	err = atomic.WriteFile(destPath, srcFile)
	closeErr := srcFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chtimes(destPath, info.ModTime(), info.ModTime())
	}
	if err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

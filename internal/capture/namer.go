package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrOutsideRoot は保存先がルートディレクトリの外を指すときのエラー
var ErrOutsideRoot = errors.New("保存先がルートディレクトリの外です")

// Namer は出力ファイル名を決める
// Root/yyyy-mm-dd/<base>_cam<N>_<連番><拡張子> の形式で、既存ファイルは上書きしない。
// base はルートからの相対パスに限る。
type Namer struct {
	Root         string
	DatedFolders bool
	SnapshotExt  string
	VideoExt     string

	mu      sync.Mutex
	counter int
	now     func() time.Time
}

// NewNamer は新しいNamerを作成する
func NewNamer(root string, dated bool, snapshotExt, videoExt string) *Namer {
	return &Namer{
		Root:         root,
		DatedFolders: dated,
		SnapshotExt:  snapshotExt,
		VideoExt:     videoExt,
		now:          time.Now,
	}
}

// SnapshotPath は静止画の保存先を返す
func (n *Namer) SnapshotPath(base string, camIndex int) (string, error) {
	return n.path(base, "snapshot", camIndex, n.SnapshotExt, IsSnapshotExt)
}

// VideoPath は録画の保存先を返す
func (n *Namer) VideoPath(base string, camIndex int) (string, error) {
	return n.path(base, "video", camIndex, n.VideoExt, IsVideoExt)
}

func (n *Namer) path(base, fallback string, camIndex int, defExt string, supported func(string) bool) (string, error) {
	if base == "" {
		base = fallback
	}
	ext := filepath.Ext(base)
	if ext != "" && supported(ext) {
		base = strings.TrimSuffix(base, ext)
	} else {
		ext = defExt
	}
	if !supported(ext) {
		return "", fmt.Errorf("サポートされていない形式: %q", ext)
	}

	dir, stem := filepath.Split(base)
	if filepath.IsAbs(dir) || filepath.VolumeName(dir) != "" {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, base)
	}
	parts := []string{n.Root}
	if n.DatedFolders {
		parts = append(parts, n.now().Format("2006-01-02"))
	}
	dir = filepath.Join(append(parts, dir)...)
	if rel, err := filepath.Rel(n.Root, dir); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, base)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		n.counter++
		p := filepath.Join(dir, fmt.Sprintf("%s_cam%d_%06d%s", stem, camIndex, n.counter, ext))
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p, nil
		}
	}
}

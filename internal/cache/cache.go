// Package cache は添付ファイルのディスクキャッシュを提供する。
//
// ファイルはURLのSHA-256をファイル名として保存する。書き込みは一時ファイルへ
// 全量を書き終えてからリネームで確定するため、途中で失敗した書き込みが
// キャッシュとして見えることはない。
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrTooLarge はファイルサイズが上限を超えたことを表す。
var ErrTooLarge = errors.New("キャッシュ対象ファイルがサイズ上限を超えています")

const tempPrefix = ".tmp-"

// FileCache はディスク上のファイルキャッシュ。
type FileCache struct {
	dir         string
	maxFileSize int64
}

// New はFileCacheを生成する。ディレクトリが存在しない場合は作成する。
func New(dir string, maxFileSize int64) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("キャッシュディレクトリの作成に失敗: %w", err)
	}
	return &FileCache{dir: dir, maxFileSize: maxFileSize}, nil
}

// Path はURLに対応するキャッシュファイルのパスを返す。
func (c *FileCache) Path(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:]))
}

// Contains はURLがキャッシュ済みかを返す。
func (c *FileCache) Contains(rawURL string) bool {
	info, err := os.Stat(c.Path(rawURL))
	return err == nil && info.Mode().IsRegular()
}

// Open はキャッシュ済みファイルを開く。
func (c *FileCache) Open(rawURL string) (*os.File, error) {
	return os.Open(c.Path(rawURL))
}

// Put はrの内容をURLのキャッシュとして保存し、書き込んだバイト数を返す。
// 上限を超えた場合は ErrTooLarge を返し、何も保存しない。
// 読み取りが最後まで成功した時点で書き込みを確定する。
func (c *FileCache) Put(rawURL string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(c.dir, tempPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	src := r
	if c.maxFileSize > 0 {
		src = io.LimitReader(r, c.maxFileSize+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		return 0, fmt.Errorf("キャッシュの書き込みに失敗: %w", err)
	}
	if c.maxFileSize > 0 && n > c.maxFileSize {
		return 0, ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("キャッシュの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.Path(rawURL)); err != nil {
		return 0, fmt.Errorf("キャッシュの確定に失敗: %w", err)
	}
	committed = true
	return n, nil
}

// Delete はURLのキャッシュを削除する。存在しない場合は何もしない。
func (c *FileCache) Delete(rawURL string) error {
	if err := os.Remove(c.Path(rawURL)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("キャッシュの削除に失敗: %w", err)
	}
	return nil
}

// Prune は最終更新が before より古いファイルと残留した一時ファイルを削除し、削除件数を返す。
func (c *FileCache) Prune(before time.Time) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("キャッシュディレクトリの読み取りに失敗: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(before) || (strings.HasPrefix(e.Name(), tempPrefix) && info.ModTime().Before(time.Now().Add(-time.Hour))) {
			if err := os.Remove(filepath.Join(c.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Usage はキャッシュ済みファイル数と合計バイト数を返す。
func (c *FileCache) Usage() (files int, bytes int64, err error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("キャッシュディレクトリの読み取りに失敗: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files++
		bytes += info.Size()
	}
	return files, bytes, nil
}

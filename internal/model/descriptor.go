// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ThreadDescriptor はサイト・板・スレッド番号でスレッドを一意に識別する。
type ThreadDescriptor struct {
	SiteName  string
	BoardCode string
	ThreadNo  int64
}

// NewThreadDescriptor はThreadDescriptorを生成する。
func NewThreadDescriptor(siteName, boardCode string, threadNo int64) ThreadDescriptor {
	return ThreadDescriptor{
		SiteName:  siteName,
		BoardCode: boardCode,
		ThreadNo:  threadNo,
	}
}

// String は "site/board/no" 形式の文字列を返す。
// ログ出力やマップキーとして使用する。
func (d ThreadDescriptor) String() string {
	return fmt.Sprintf("%s/%s/%d", d.SiteName, d.BoardCode, d.ThreadNo)
}

// IsValid はサイト名・板コード・スレッド番号がすべて設定されているかを返す。
func (d ThreadDescriptor) IsValid() bool {
	return d.SiteName != "" && d.BoardCode != "" && d.ThreadNo > 0
}

// ParseThreadDescriptor は "site/board/no" 形式の文字列をパースする。
func ParseThreadDescriptor(s string) (ThreadDescriptor, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ThreadDescriptor{}, fmt.Errorf("スレッド識別子の形式が不正です: %q", s)
	}
	no, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ThreadDescriptor{}, fmt.Errorf("スレッド番号が不正です: %q: %w", parts[2], err)
	}
	d := NewThreadDescriptor(parts[0], parts[1], no)
	if !d.IsValid() {
		return ThreadDescriptor{}, fmt.Errorf("スレッド識別子が不完全です: %q", s)
	}
	return d, nil
}

// PostDescriptor はスレッド内の1投稿を識別する。
type PostDescriptor struct {
	Thread ThreadDescriptor
	PostNo int64
}

// NewPostDescriptor はPostDescriptorを生成する。
func NewPostDescriptor(thread ThreadDescriptor, postNo int64) PostDescriptor {
	return PostDescriptor{Thread: thread, PostNo: postNo}
}

// String は "site/board/thread/post" 形式の文字列を返す。
func (d PostDescriptor) String() string {
	return fmt.Sprintf("%s/%d", d.Thread.String(), d.PostNo)
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ryco117/file-yeet/internal/core/transfer"
)

func TestProgressRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "video.bin")

	intervals := &transfer.Intervals{}
	intervals.Add(0, 4096)
	intervals.Add(8192, 16384)
	saveProgress(out, intervals)

	loaded := loadProgress(out, true)
	if got, want := loaded.Covered(), intervals.Covered(); got != want {
		t.Errorf("loaded Covered() = %d, want %d", got, want)
	}

	// 未开启续传时忽略进度文件
	if got := loadProgress(out, false).Covered(); got != 0 {
		t.Errorf("without resume Covered() = %d, want 0", got)
	}

	t.Log("✅ 进度文件往返一致")
}

func TestProgressResetDiscardsFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "video.bin")

	intervals := &transfer.Intervals{}
	intervals.Add(0, 1<<20)
	saveProgress(out, intervals)

	// 摘要校验失败后丢弃进度，续传必须从零开始
	resetProgress(out)

	if _, err := os.Stat(out + progressSuffix); !os.IsNotExist(err) {
		t.Fatalf("progress file still present after reset: %v", err)
	}
	if got := loadProgress(out, true).Covered(); got != 0 {
		t.Errorf("after reset Covered() = %d, want 0", got)
	}

	t.Log("✅ 进度重置后从头下载")
}

func TestLoadProgressCorruptFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "video.bin")
	if err := os.WriteFile(out+progressSuffix, []byte("not a progress file"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := loadProgress(out, true).Covered(); got != 0 {
		t.Errorf("corrupt progress Covered() = %d, want 0", got)
	}

	t.Log("✅ 损坏的进度文件被忽略")
}

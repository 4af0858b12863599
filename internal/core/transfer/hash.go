// Package transfer 实现对等连接建立后的文件传输协议
//
// 安全传输会话就绪后，双方在一条双向流上走请求-应答式的分块
// 传输：下载方按字节区间请求，上传方以 varint 定界的分段应答。
// 区间集合记录已到达的字节范围，中断后可以只补缺口。传输完成
// 由下载方重算内容摘要确认，身份不可信的传输层不承担完整性。
package transfer

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/minio/sha256-simd"

	"github.com/ryco117/file-yeet/internal/util/logger"
	"github.com/ryco117/file-yeet/pkg/types"
)

// 包级别日志实例
var log = logger.Logger("transfer")

// hashBufSize 流式哈希的读缓冲大小
const hashBufSize = 256 << 10

// HashFile 流式计算文件的内容标识
//
// 返回 ContentID 与文件大小。这是发布前的必要步骤，也是
// 下载完成后的校验手段。
func HashFile(path string) (types.ContentID, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.EmptyContentID, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, bufio.NewReaderSize(f, hashBufSize))
	if err != nil {
		return types.EmptyContentID, 0, fmt.Errorf("hash %s: %w", path, err)
	}

	var id types.ContentID
	h.Sum(id[:0])
	return id, n, nil
}

// VerifyFile 校验文件内容与给定标识一致
func VerifyFile(path string, want types.ContentID) error {
	got, _, err := HashFile(path)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got.ShortString(), want.ShortString())
	}
	return nil
}

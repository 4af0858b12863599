package transfer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/ryco117/file-yeet/pkg/types"
)

// ============================================================================
//                              协议常量与错误
// ============================================================================

// 传输流协议（所有整数大端序）:
//
//	下载方: content_id [32]byte
//	上传方: status u8 (1=有, 0=无)，status=1 时跟 size u64
//	下载方: consent u8 (1=开始, 0=放弃)
//	循环:
//	  下载方: offset u64, length u64        （length=0 表示结束）
//	  上传方: 按 varint 定界的分段发送 length 字节
const (
	// MaxChunkSize 单个分段的最大字节数
	MaxChunkSize = 16 << 10

	// statusAvailable 上传方持有该内容
	statusAvailable = 1
	// statusUnavailable 上传方没有该内容
	statusUnavailable = 0

	// consentAccept 下载方确认开始传输
	consentAccept = 1
	// consentDecline 下载方放弃传输
	consentDecline = 0
)

var (
	// ErrDigestMismatch 下载内容的摘要与请求的内容标识不符
	ErrDigestMismatch = errors.New("content digest mismatch")

	// ErrUnavailable 对端没有请求的内容
	ErrUnavailable = errors.New("content not available on peer")

	// ErrDeclined 下载方放弃了传输
	ErrDeclined = errors.New("transfer declined")

	// ErrProtocol 传输流上出现协议违例
	ErrProtocol = errors.New("transfer protocol violation")
)

// ============================================================================
//                              上传方
// ============================================================================

// Source 上传方的内容来源
type Source interface {
	io.ReaderAt

	// Size 返回内容总字节数
	Size() int64
}

// FileSource 把打开的文件包装成 Source
type FileSource struct {
	io.ReaderAt
	Length int64
}

// Size 返回内容总字节数
func (f FileSource) Size() int64 { return f.Length }

// Open 为下载方请求的内容标识提供来源
//
// 返回 nil 表示没有该内容。
type Open func(types.ContentID) Source

// Serve 以上传方身份处理一条传输流
//
// 读下载方请求的内容标识，回报可用性与大小，随后按区间请求
// 送出数据，直到下载方发出零长度请求或流关闭。
func Serve(ctx context.Context, rw io.ReadWriter, open Open) error {
	var id types.ContentID
	if _, err := io.ReadFull(rw, id[:]); err != nil {
		return fmt.Errorf("read content request: %w", err)
	}

	src := open(id)
	if src == nil {
		log.Debug("content requested but unavailable", "content", id.ShortString())
		_, err := rw.Write([]byte{statusUnavailable})
		return err
	}
	size := uint64(src.Size())

	var header [9]byte
	header[0] = statusAvailable
	binary.BigEndian.PutUint64(header[1:], size)
	if _, err := rw.Write(header[:]); err != nil {
		return fmt.Errorf("write size: %w", err)
	}

	var consent [1]byte
	if _, err := io.ReadFull(rw, consent[:]); err != nil {
		return fmt.Errorf("read consent: %w", err)
	}
	if consent[0] != consentAccept {
		log.Debug("transfer declined by peer", "content", id.ShortString())
		return ErrDeclined
	}

	log.Info("upload started", "content", id.ShortString(), "size", size)

	w := bufio.NewWriter(rw)
	chunk := make([]byte, MaxChunkSize)
	var sent uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req [16]byte
		if _, err := io.ReadFull(rw, req[:]); err != nil {
			return fmt.Errorf("read range request: %w", err)
		}
		offset := binary.BigEndian.Uint64(req[0:8])
		length := binary.BigEndian.Uint64(req[8:16])
		if length == 0 {
			log.Info("upload finished", "content", id.ShortString(), "sent", sent)
			return nil
		}
		if offset > size || length > size-offset {
			return fmt.Errorf("%w: range [%d,%d) beyond size %d", ErrProtocol, offset, offset+length, size)
		}

		for length > 0 {
			n := uint64(len(chunk))
			if length < n {
				n = length
			}
			if _, err := src.ReadAt(chunk[:n], int64(offset)); err != nil {
				return fmt.Errorf("read source at %d: %w", offset, err)
			}
			if _, err := w.Write(varint.ToUvarint(n)); err != nil {
				return fmt.Errorf("write segment length: %w", err)
			}
			if _, err := w.Write(chunk[:n]); err != nil {
				return fmt.Errorf("write segment: %w", err)
			}
			offset += n
			length -= n
			sent += n
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush segments: %w", err)
		}
	}
}

// ============================================================================
//                              下载方
// ============================================================================

// Progress 进度回调（已到达字节数 / 总字节数）
type Progress func(done, total uint64)

// Fetch 以下载方身份驱动一条传输流
//
// 请求 contentID 的全部缺口（resume 为空时即整个文件），写入
// dst。resume 集合随下载推进更新，中断后用同一集合重入即可
// 续传。返回内容总大小；摘要校验留给调用方（数据落盘后用
// VerifyFile）。
func Fetch(ctx context.Context, rw io.ReadWriter, contentID types.ContentID, dst io.WriterAt, resume *Intervals, progress Progress) (uint64, error) {
	if resume == nil {
		resume = &Intervals{}
	}

	if _, err := rw.Write(contentID[:]); err != nil {
		return 0, fmt.Errorf("write content request: %w", err)
	}

	var status [1]byte
	if _, err := io.ReadFull(rw, status[:]); err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	if status[0] != statusAvailable {
		return 0, ErrUnavailable
	}

	var sizeBuf [8]byte
	if _, err := io.ReadFull(rw, sizeBuf[:]); err != nil {
		return 0, fmt.Errorf("read size: %w", err)
	}
	size := binary.BigEndian.Uint64(sizeBuf[:])

	if _, err := rw.Write([]byte{consentAccept}); err != nil {
		return 0, fmt.Errorf("write consent: %w", err)
	}

	log.Info("download started",
		"content", contentID.ShortString(),
		"size", size,
		"resumed", resume.Covered(),
	)

	r := bufio.NewReader(rw)
	if progress != nil {
		progress(resume.Covered(), size)
	}

	for {
		lo, hi, ok := resume.NextGap(size)
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return size, err
		}

		if err := writeRange(rw, lo, hi-lo); err != nil {
			return size, err
		}

		// 区间以分段形式到达，逐段落盘并记录
		remaining := hi - lo
		offset := lo
		for remaining > 0 {
			n, err := varint.ReadUvarint(r)
			if err != nil {
				return size, fmt.Errorf("read segment length: %w", err)
			}
			if n == 0 || n > MaxChunkSize || n > remaining {
				return size, fmt.Errorf("%w: segment length %d", ErrProtocol, n)
			}

			seg := make([]byte, n)
			if _, err := io.ReadFull(r, seg); err != nil {
				return size, fmt.Errorf("read segment: %w", err)
			}
			if _, err := dst.WriteAt(seg, int64(offset)); err != nil {
				return size, fmt.Errorf("write at %d: %w", offset, err)
			}

			resume.Add(offset, offset+n)
			offset += n
			remaining -= n
			if progress != nil {
				progress(resume.Covered(), size)
			}
		}
	}

	// 零长度请求通知上传方收工
	if err := writeRange(rw, 0, 0); err != nil {
		return size, err
	}

	log.Info("download finished",
		"content", contentID.ShortString(),
		"size", size,
	)
	return size, nil
}

// writeRange 发送一条区间请求
func writeRange(w io.Writer, offset, length uint64) error {
	var req [16]byte
	binary.BigEndian.PutUint64(req[0:8], offset)
	binary.BigEndian.PutUint64(req[8:16], length)
	if _, err := w.Write(req[:]); err != nil {
		return fmt.Errorf("write range request: %w", err)
	}
	return nil
}

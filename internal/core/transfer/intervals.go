package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/multiformats/go-varint"
)

// ============================================================================
//                              区间集合
// ============================================================================

// Interval 半开字节区间 [Lo, Hi)
type Interval struct {
	Lo uint64
	Hi uint64
}

// Intervals 已下载字节范围的集合
//
// 内部保持排序且互不相邻：插入时合并重叠与紧邻的区间。
// 非并发安全，由单个下载循环独占使用。
type Intervals struct {
	spans []Interval
}

// Add 并入区间 [lo, hi)
//
// 空区间（lo >= hi）被忽略。
func (iv *Intervals) Add(lo, hi uint64) {
	if lo >= hi {
		return
	}

	// 找到第一个可能与 [lo,hi) 接触的区间
	i := sort.Search(len(iv.spans), func(i int) bool {
		return iv.spans[i].Hi >= lo
	})

	merged := Interval{Lo: lo, Hi: hi}
	j := i
	for j < len(iv.spans) && iv.spans[j].Lo <= hi {
		if iv.spans[j].Lo < merged.Lo {
			merged.Lo = iv.spans[j].Lo
		}
		if iv.spans[j].Hi > merged.Hi {
			merged.Hi = iv.spans[j].Hi
		}
		j++
	}

	iv.spans = append(iv.spans[:i], append([]Interval{merged}, iv.spans[j:]...)...)
}

// Contains 判断区间 [lo, hi) 是否已完全覆盖
func (iv *Intervals) Contains(lo, hi uint64) bool {
	if lo >= hi {
		return true
	}
	for _, s := range iv.spans {
		if s.Lo <= lo && hi <= s.Hi {
			return true
		}
	}
	return false
}

// NextGap 返回 [0, limit) 内第一个缺口
//
// 没有缺口时 ok 为 false。
func (iv *Intervals) NextGap(limit uint64) (lo, hi uint64, ok bool) {
	cursor := uint64(0)
	for _, s := range iv.spans {
		if s.Lo >= limit {
			break
		}
		if cursor < s.Lo {
			return cursor, s.Lo, true
		}
		if s.Hi > cursor {
			cursor = s.Hi
		}
	}
	if cursor < limit {
		return cursor, limit, true
	}
	return 0, 0, false
}

// Covered 返回已覆盖的字节总数
func (iv *Intervals) Covered() uint64 {
	var total uint64
	for _, s := range iv.spans {
		total += s.Hi - s.Lo
	}
	return total
}

// Complete 判断 [0, size) 是否已完全覆盖
func (iv *Intervals) Complete(size uint64) bool {
	if size == 0 {
		return true
	}
	return len(iv.spans) == 1 && iv.spans[0].Lo == 0 && iv.spans[0].Hi >= size
}

// Spans 返回区间快照（按序）
func (iv *Intervals) Spans() []Interval {
	return append([]Interval(nil), iv.spans...)
}

// ============================================================================
//                              序列化（断点续传边车文件）
// ============================================================================

// ErrCorruptIntervals 区间集合序列化数据损坏
var ErrCorruptIntervals = errors.New("corrupt interval data")

// MarshalBinary 序列化为 varint 增量编码
//
// 布局: 区间数，随后每个区间写 (Lo - 前一个Hi) 与 (Hi - Lo)。
// 增量都很小，varint 编码让边车文件保持紧凑。
func (iv *Intervals) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(varint.ToUvarint(uint64(len(iv.spans))))

	prev := uint64(0)
	for _, s := range iv.spans {
		buf.Write(varint.ToUvarint(s.Lo - prev))
		buf.Write(varint.ToUvarint(s.Hi - s.Lo))
		prev = s.Hi
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary 从序列化数据恢复
func (iv *Intervals) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	count, err := varint.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptIntervals, err)
	}

	spans := make([]Interval, 0, count)
	prev := uint64(0)
	for i := uint64(0); i < count; i++ {
		gap, err := varint.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptIntervals, err)
		}
		length, err := varint.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptIntervals, err)
		}
		if length == 0 {
			return fmt.Errorf("%w: empty span", ErrCorruptIntervals)
		}
		lo := prev + gap
		hi := lo + length
		spans = append(spans, Interval{Lo: lo, Hi: hi})
		prev = hi
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: trailing bytes", ErrCorruptIntervals)
	}

	iv.spans = spans
	return nil
}

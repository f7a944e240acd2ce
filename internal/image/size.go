package image

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

// Keyword selecting a size computed from the partition content.
const contentSize = "content"

// Byte units accepted in size strings. Longer suffixes come first so that
// "MiB" is not matched as "B".
var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"KiB", KiB},
	{"MiB", MiB},
	{"GiB", GiB},
	{"K", KiB},
	{"M", MiB},
	{"G", GiB},
	{"B", 1},
}

// Size policy of a partition or image.
//
// A size is either a fixed number of bytes or, for partitions, computed from
// the content placed into it. The zero value means unset. Sizes decode from
// strings such as "512MiB", "4096" or "content".
type Size struct {
	Bytes   int64 // Fixed size in bytes.
	Content bool  // Size is computed from content.
}

// Returns a fixed size.
func Bytes(n int64) Size {
	return Size{Bytes: n}
}

// Returns a content-computed size.
func FromContent() Size {
	return Size{Content: true}
}

// Reports whether the size is unset.
func (s Size) IsZero() bool {
	return s.Bytes == 0 && !s.Content
}

// Parses a size string.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if s == contentSize {
		return FromContent(), nil
	}

	factor := int64(1)
	for _, u := range sizeUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			s, factor = strings.TrimSpace(num), u.factor
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return Size{}, fmt.Errorf("%w: invalid size %q", ErrInvalidLayout, s)
	}
	if n > (1<<62)/factor {
		return Size{}, fmt.Errorf("%w: size %q out of range", ErrInvalidLayout, s)
	}
	return Bytes(n * factor), nil
}

// Decodes a size from its text form.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Encodes the size in its text form, using the largest exact binary unit.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string {
	switch {
	case s.Content:
		return contentSize
	case s.Bytes != 0 && s.Bytes%GiB == 0:
		return strconv.FormatInt(s.Bytes/GiB, 10) + "GiB"
	case s.Bytes != 0 && s.Bytes%MiB == 0:
		return strconv.FormatInt(s.Bytes/MiB, 10) + "MiB"
	case s.Bytes != 0 && s.Bytes%KiB == 0:
		return strconv.FormatInt(s.Bytes/KiB, 10) + "KiB"
	}
	return strconv.FormatInt(s.Bytes, 10)
}

// Rounds n up to the next multiple of align.
func alignUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

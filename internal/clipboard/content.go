// Package clipboard defines the clipboard content model and the backend
// interface used to read and write the OS clipboard.
package clipboard

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/tosslabs/toss-core/internal/protocol"
)

// Content is the tagged union of everything that can be synced between
// paired devices. Exactly one of the typed fields is
// meaningful, selected by Type.
type Content struct {
	Type ContentType

	Text     string   // PlainText, Url
	RichText string   // RichText: HTML or RTF source
	Image    ImageData
	Files    []FileData
}

type ContentType = protocol.ContentType

const (
	TypePlainText = protocol.ContentPlainText
	TypeRichText  = protocol.ContentRichText
	TypeImage     = protocol.ContentImage
	TypeFile      = protocol.ContentFile
	TypeURL       = protocol.ContentURL
)

// ImageData is a raw image payload plus enough metadata to redisplay it.
type ImageData struct {
	Bytes  []byte
	Format string // e.g. "png", "jpeg"
	Width  int
	Height int
}

// FileData is one file within a File-type clipboard payload.
type FileData struct {
	Name  string
	Bytes []byte
}

// NewPlainText builds a PlainText Content.
func NewPlainText(s string) Content {
	return Content{Type: TypePlainText, Text: s}
}

// NewURL builds a Url Content.
func NewURL(s string) Content {
	return Content{Type: TypeURL, Text: s}
}

// Encode produces the canonical serialization used both for
// transmission and for content_hash computation. The format mirrors
// internal/protocol's length-prefixed binary conventions: every variable
// length field is preceded by a 32-bit big-endian length.
func (c Content) Encode() []byte {
	switch c.Type {
	case TypePlainText, TypeURL:
		return appendString(nil, c.Text)
	case TypeRichText:
		return appendString(nil, c.RichText)
	case TypeImage:
		out := appendString(nil, c.Image.Format)
		out = appendUint32(out, uint32(c.Image.Width))
		out = appendUint32(out, uint32(c.Image.Height))
		out = appendBytes(out, c.Image.Bytes)
		return out
	case TypeFile:
		out := appendUint32(nil, uint32(len(c.Files)))
		for _, f := range c.Files {
			out = appendString(out, f.Name)
			out = appendBytes(out, f.Bytes)
		}
		return out
	default:
		return nil
	}
}

// Hash returns SHA-256 of the canonical serialization, the
// content_hash invariant every clipboard update carries.
func (c Content) Hash() [32]byte {
	return sha256.Sum256(c.Encode())
}

// SizeBytes is the size of the content's payload, used for the
// max_file_size_mb policy gate.
func (c Content) SizeBytes() int64 {
	switch c.Type {
	case TypePlainText, TypeURL:
		return int64(len(c.Text))
	case TypeRichText:
		return int64(len(c.RichText))
	case TypeImage:
		return int64(len(c.Image.Bytes))
	case TypeFile:
		var total int64
		for _, f := range c.Files {
			total += int64(len(f.Bytes))
		}
		return total
	default:
		return 0
	}
}

// Preview returns a short, possibly redacted preview for history
// listing: ≤256 bytes, redacted on binary content.
func (c Content) Preview() []byte {
	const maxPreview = 256
	switch c.Type {
	case TypePlainText, TypeURL, TypeRichText:
		s := c.Text
		if c.Type == TypeRichText {
			s = c.RichText
		}
		if len(s) > maxPreview {
			return []byte(s[:maxPreview])
		}
		return []byte(s)
	default:
		return []byte(fmt.Sprintf("[%s content, %d bytes]", protocol.ContentTypeName(c.Type), c.SizeBytes()))
	}
}

// Decode parses content of the given type from its canonical encoding.
func Decode(typ ContentType, data []byte) (Content, error) {
	switch typ {
	case TypePlainText:
		s, _, err := readString(data)
		if err != nil {
			return Content{}, err
		}
		return Content{Type: TypePlainText, Text: s}, nil
	case TypeURL:
		s, _, err := readString(data)
		if err != nil {
			return Content{}, err
		}
		return Content{Type: TypeURL, Text: s}, nil
	case TypeRichText:
		s, _, err := readString(data)
		if err != nil {
			return Content{}, err
		}
		return Content{Type: TypeRichText, RichText: s}, nil
	case TypeImage:
		format, rest, err := readString(data)
		if err != nil {
			return Content{}, err
		}
		if len(rest) < 8 {
			return Content{}, fmt.Errorf("clipboard: truncated image content")
		}
		width := binary.BigEndian.Uint32(rest[0:4])
		height := binary.BigEndian.Uint32(rest[4:8])
		imgBytes, _, err := readBytes(rest[8:])
		if err != nil {
			return Content{}, err
		}
		return Content{Type: TypeImage, Image: ImageData{Bytes: imgBytes, Format: format, Width: int(width), Height: int(height)}}, nil
	case TypeFile:
		if len(data) < 4 {
			return Content{}, fmt.Errorf("clipboard: truncated file content")
		}
		count := binary.BigEndian.Uint32(data[0:4])
		rest := data[4:]
		// Each entry needs at least its two length prefixes; a count
		// beyond that is a corrupt or hostile header.
		if count > uint32(len(rest)/8) {
			return Content{}, fmt.Errorf("clipboard: file count %d exceeds payload", count)
		}
		files := make([]FileData, 0, count)
		for i := uint32(0); i < count; i++ {
			name, r1, err := readString(rest)
			if err != nil {
				return Content{}, err
			}
			fileBytes, r2, err := readBytes(r1)
			if err != nil {
				return Content{}, err
			}
			files = append(files, FileData{Name: name, Bytes: fileBytes})
			rest = r2
		}
		return Content{Type: TypeFile, Files: files}, nil
	default:
		return Content{}, fmt.Errorf("clipboard: unsupported content type %v", typ)
	}
}

func appendString(out []byte, s string) []byte {
	return appendBytes(out, []byte(s))
}

func appendBytes(out []byte, b []byte) []byte {
	out = appendUint32(out, uint32(len(b)))
	return append(out, b...)
}

func appendUint32(out []byte, v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return append(out, buf...)
}

func readString(data []byte) (string, []byte, error) {
	b, rest, err := readBytes(data)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("clipboard: missing length prefix")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)-4) < n {
		return nil, nil, fmt.Errorf("clipboard: truncated field")
	}
	out := make([]byte, n)
	copy(out, data[4:4+n])
	return out, data[4+n:], nil
}

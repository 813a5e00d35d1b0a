// Package validate performs cheap structural checks on known binary model
// formats. Only headers are parsed; a file that passes is not guaranteed to
// be well formed, but one that fails would certainly break the consumer.
package validate

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/blobsync/internal/common"
)

const (
	mdlHeaderSize = 0x44
	mdlMaxLods    = 3
	texHeaderSize = 80
	texMaxMips    = 13
)

type mdlHeader struct {
	Version                uint32
	StackSize              uint32
	RuntimeSize            uint32
	VertexDeclarationCount uint16
	MaterialCount          uint16
	VertexOffset           [3]uint32
	IndexOffset            [3]uint32
	VertexBufferSize       [3]uint32
	IndexBufferSize        [3]uint32
	LodCount               uint8
	IndexBufferStreaming   uint8
	EdgeGeometry           uint8
	Padding                uint8
}

type texHeader struct {
	Attribute       uint32
	Format          uint32
	Width           uint16
	Height          uint16
	Depth           uint16
	MipLevels       uint8
	ArraySize       uint8
	LodOffset       [3]uint32
	OffsetToSurface [13]uint32
}

// File checks the file at path as format ext (as returned by policy.Ext).
// Unknown formats pass. ext is explicit because callers validate staging
// files whose names do not end in the real extension.
func File(path, ext string) error {
	switch ext {
	case "mdl":
		return withFile(path, Model)
	case "tex":
		return withFile(path, Texture)
	default:
		return nil
	}
}

func withFile(path string, check func(io.Reader, int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if err := check(f, fi.Size()); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Model validates a model file header against the file size.
func Model(r io.Reader, size int64) error {
	if size < mdlHeaderSize {
		return invalid("model shorter than header (%d bytes)", size)
	}
	var h mdlHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return invalid("model header: %v", err)
	}
	if h.LodCount == 0 || h.LodCount > mdlMaxLods {
		return invalid("model lod count %d", h.LodCount)
	}
	if int64(mdlHeaderSize)+int64(h.StackSize)+int64(h.RuntimeSize) > size {
		return invalid("model stack/runtime sections exceed file")
	}
	for i := 0; i < int(h.LodCount); i++ {
		if int64(h.VertexOffset[i])+int64(h.VertexBufferSize[i]) > size {
			return invalid("model lod %d vertex buffer exceeds file", i)
		}
		if int64(h.IndexOffset[i])+int64(h.IndexBufferSize[i]) > size {
			return invalid("model lod %d index buffer exceeds file", i)
		}
	}
	return nil
}

// Texture validates a texture header against the file size.
func Texture(r io.Reader, size int64) error {
	if size < texHeaderSize {
		return invalid("texture shorter than header (%d bytes)", size)
	}
	var h texHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return invalid("texture header: %v", err)
	}
	if h.Width == 0 || h.Height == 0 {
		return invalid("texture dimensions %dx%d", h.Width, h.Height)
	}
	if h.MipLevels == 0 || h.MipLevels > texMaxMips {
		return invalid("texture mip levels %d", h.MipLevels)
	}
	first := int64(h.OffsetToSurface[0])
	if first < texHeaderSize || first > size {
		return invalid("texture surface offset %d outside file", first)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{common.ErrStructuralInvalid}, args...)...)
}

package pagedfile

import (
	"fmt"
	"os"

	"waddlekv/internal/codec"
)

// chunk is one fixed-capacity file within a Container. It is named after its
// beginPosition (the container-wide absolute offset of its first byte),
// matching the paged-record-container layout: a chunk's on-disk name is the
// decimal beginPosition, its body is the reserved-capacity header followed
// by records packed end to end.
type chunk struct {
	beginPosition int64
	capacity      int64 // usable record bytes; shrinks on truncate
	used          int64 // bytes of capacity already written
	path          string
	file          *os.File
}

func chunkPath(dir string, beginPosition int64) string {
	return fmt.Sprintf("%s/%d", dir, beginPosition)
}

// openChunk opens (or creates) the chunk file at beginPosition, writing the
// reserved capacity header if the file is new.
func openChunk(dir string, beginPosition, capacity int64) (*chunk, error) {
	path := chunkPath(dir, beginPosition)
	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pagedfile: open chunk %s: %w", path, err)
	}

	c := &chunk{
		beginPosition: beginPosition,
		capacity:      capacity,
		path:          path,
		file:          f,
	}

	if isNew {
		hdr := make([]byte, codec.DataFileHeaderBytes)
		if err := writeHeaderCapacity(hdr, capacity); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.WriteAt(hdr, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("pagedfile: write chunk header %s: %w", path, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		used := info.Size() - int64(codec.DataFileHeaderBytes)
		if used < 0 {
			used = 0
		}
		c.used = used
	}

	return c, nil
}

// endPosition is the last absolute offset reserved for this chunk, used to
// compute where the next chunk begins on rollover.
func (c *chunk) endPosition() int64 {
	return c.beginPosition + c.capacity - 1
}

// remaining is how many more record bytes this chunk can accept.
func (c *chunk) remaining() int64 {
	return c.capacity - c.used
}

func (c *chunk) writeAt(record []byte) (offset int64, err error) {
	offset = c.beginPosition + c.used
	pos := int64(codec.DataFileHeaderBytes) + c.used
	if _, err := c.file.WriteAt(record, pos); err != nil {
		return 0, fmt.Errorf("pagedfile: write chunk %s: %w", c.path, err)
	}
	c.used += int64(len(record))
	return offset, nil
}

func (c *chunk) readAt(offset int64, length int) ([]byte, error) {
	if offset < c.beginPosition || offset+int64(length) > c.beginPosition+c.used {
		return nil, fmt.Errorf("pagedfile: offset %d length %d out of range for chunk at %d (used=%d)",
			offset, length, c.beginPosition, c.used)
	}
	buf := make([]byte, length)
	pos := int64(codec.DataFileHeaderBytes) + (offset - c.beginPosition)
	if _, err := c.file.ReadAt(buf, pos); err != nil {
		return nil, fmt.Errorf("pagedfile: read chunk %s: %w", c.path, err)
	}
	return buf, nil
}

// truncateTo shrinks the chunk so that offset becomes the first free byte.
func (c *chunk) truncateTo(offset int64) error {
	newUsed := offset - c.beginPosition
	if newUsed < 0 || newUsed > c.used {
		return fmt.Errorf("pagedfile: truncate offset %d out of range for chunk at %d", offset, c.beginPosition)
	}
	c.used = newUsed
	c.capacity = newUsed
	if err := c.file.Truncate(int64(codec.DataFileHeaderBytes) + newUsed); err != nil {
		return fmt.Errorf("pagedfile: truncate chunk %s: %w", c.path, err)
	}
	return nil
}

func (c *chunk) sync() error {
	return c.file.Sync()
}

func (c *chunk) close() error {
	return c.file.Close()
}

func (c *chunk) remove() error {
	c.file.Close()
	return os.Remove(c.path)
}

func writeHeaderCapacity(hdr []byte, capacity int64) error {
	if len(hdr) != codec.DataFileHeaderBytes {
		return fmt.Errorf("pagedfile: header buffer must be %d bytes", codec.DataFileHeaderBytes)
	}
	hdr[0] = byte(capacity >> 24)
	hdr[1] = byte(capacity >> 16)
	hdr[2] = byte(capacity >> 8)
	hdr[3] = byte(capacity)
	return nil
}

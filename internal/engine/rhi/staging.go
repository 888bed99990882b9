package rhi

import "fmt"

// StagingBuffer is a bounded per-frame upload window. Writes are copied
// into the staging buffer and then into their destination. Once the frame
// budget is spent, Reserve fails and callers keep their data dirty for the
// next frame.
type StagingBuffer struct {
	buf      Buffer
	capacity uint64
	used     uint64
}

// NewStagingBuffer creates a staging buffer holding capacity bytes per
// frame.
func NewStagingBuffer(dev Device, capacity uint64) (*StagingBuffer, error) {
	buf, err := dev.CreateBuffer(BufferDesc{
		Label: "Staging Buffer",
		Size:  capacity,
		Usage: BufferUsageCopySrc | BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating staging buffer: %w", err)
	}
	return &StagingBuffer{buf: buf, capacity: capacity}, nil
}

// Buffer returns the backing buffer.
func (s *StagingBuffer) Buffer() Buffer {
	return s.buf
}

// Reset starts a new frame.
func (s *StagingBuffer) Reset() {
	s.used = 0
}

// Remaining returns the unused budget in bytes.
func (s *StagingBuffer) Remaining() uint64 {
	return s.capacity - s.used
}

// Used returns the bytes consumed this frame.
func (s *StagingBuffer) Used() uint64 {
	return s.used
}

// Capacity returns the per-frame budget in bytes.
func (s *StagingBuffer) Capacity() uint64 {
	return s.capacity
}

// Reserve claims size bytes, aligned to 4, and returns their offset.
func (s *StagingBuffer) Reserve(size uint64) (uint64, bool) {
	aligned := (size + 3) &^ 3
	if aligned > s.capacity-s.used {
		return 0, false
	}
	off := s.used
	s.used += aligned
	return off, true
}

// Upload stages data and copies it to dst at dstOffset. It returns false
// when the frame budget cannot hold data.
func (s *StagingBuffer) Upload(rec Recorder, dst Buffer, dstOffset uint64, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	off, ok := s.Reserve(uint64(len(data)))
	if !ok {
		return false
	}
	s.write(rec, off, data)
	rec.CopyBuffer(s.buf, off, dst, dstOffset, uint64(len(data)))
	return true
}

func (s *StagingBuffer) write(rec Recorder, off uint64, data []byte) {
	end := off + uint64(len(data))
	if end > s.capacity || end > s.buf.Size() {
		panic(fmt.Sprintf("rhi: staging write [%d,%d) overflows buffer of %d bytes", off, end, s.capacity))
	}
	rec.WriteBuffer(s.buf, off, data)
}

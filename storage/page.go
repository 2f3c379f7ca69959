package storage

// Page is a fixed-size in-memory buffer backing one on-disk block, the
// unit file.Manager's block Read and Write transfer. Its layout follows
// the teacher's log page: records are prepended from the tail towards
// the head, and the first SizeOfInt64 bytes hold the "boundary" - the
// offset of the earliest record currently buffered. The physical log
// writer does not use Page.
type Page struct {
	buf []byte
}

// NewPage allocates a zeroed page of the given size.
func NewPage(size int) *Page {
	return &Page{buf: make([]byte, size)}
}

// NewPageFromSlice wraps an existing (already block-sized) slice.
func NewPageFromSlice(b []byte) *Page {
	return &Page{buf: b}
}

func (p *Page) Contents() []byte { return p.buf }

func (p *Page) Len() int { return len(p.buf) }

// SetBoundary writes the record-prepend boundary into the page header.
func (p *Page) SetBoundary(v RecordPosition) {
	PutInt64(p.buf[0:SizeOfInt64], int64(v))
}

// Boundary reads the record-prepend boundary from the page header.
func (p *Page) Boundary() RecordPosition {
	return RecordPosition(GetInt64(p.buf[0:SizeOfInt64]))
}

// SetBytes writes raw bytes at pos.
func (p *Page) SetBytes(pos RecordPosition, b []byte) {
	copy(p.buf[pos:], b)
}

// Bytes reads a length-prefixed record starting at pos: the first
// SizeOfInt64 bytes are the record length, followed by the payload.
func (p *Page) Bytes(pos RecordPosition) []byte {
	length := GetInt64(p.buf[pos : int64(pos)+SizeOfInt64])
	start := int64(pos) + SizeOfInt64
	return p.buf[start : start+length]
}

// WriteLengthPrefixed writes len(payload) followed by payload at pos
// and returns the total number of bytes written.
func (p *Page) WriteLengthPrefixed(pos RecordPosition, payload []byte) int64 {
	PutInt64(p.buf[pos:int64(pos)+SizeOfInt64], int64(len(payload)))
	copy(p.buf[int64(pos)+SizeOfInt64:], payload)
	return SizeOfInt64 + int64(len(payload))
}

// Zero clears the page contents (used when recycling pooled pages).
func (p *Page) Zero() {
	for i := range p.buf {
		p.buf[i] = 0
	}
}

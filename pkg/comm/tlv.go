package comm

import "github.com/anthropics/purple-vdsp/pkg/driver"

// Cursor walks a sequence of TLV blocks in a Region
type Cursor struct {
	r   *Region
	off int
}

// Cursor returns a TLV cursor positioned at off
func (r *Region) Cursor(off int) *Cursor {
	return &Cursor{r: r, off: off}
}

// Offset returns the current cursor position
func (c *Cursor) Offset() int {
	return c.off
}

// PutTLV writes a block header and advances past length bytes rounded up
// to a word. It returns the offset of the value area.
func (c *Cursor) PutTLV(typ, length uint32) int {
	c.r.Write32(c.off, typ)
	c.r.Write32(c.off+4, length)
	value := c.off + driver.TLVHeaderSize
	c.off = value + int((length+3)/4)*4
	return value
}

// GetTLV reads a block header and advances past its value. It returns the
// type, the length and the offset of the value area.
func (c *Cursor) GetTLV() (typ, length uint32, value int) {
	typ = c.r.Read32(c.off)
	length = c.r.Read32(c.off + 4)
	value = c.off + driver.TLVHeaderSize
	c.off = value + int((length+3)/4)*4
	return typ, length, value
}

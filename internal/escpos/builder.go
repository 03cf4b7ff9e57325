package escpos

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

const defaultCharsPerLine = 48

// ESC/POS command sequences. These are a byte-exact compatibility
// contract with the printer firmware.
var (
	cmdInit       = []byte{0x1B, 0x40}
	cmdBoldOn     = []byte{0x1B, 0x45, 0x01}
	cmdBoldOff    = []byte{0x1B, 0x45, 0x00}
	cmdDoubleOn   = []byte{0x1D, 0x21, 0x11}
	cmdDoubleOff  = []byte{0x1D, 0x21, 0x00}
	cmdAlignLeft  = []byte{0x1B, 0x61, 0x00}
	cmdAlignMid   = []byte{0x1B, 0x61, 0x01}
	cmdAlignRight = []byte{0x1B, 0x61, 0x02}
	cmdPartialCut = []byte{0x1D, 0x56, 0x01}
	cmdFullCut    = []byte{0x1D, 0x56, 0x00}
	cmdOpenDrawer = []byte{0x1B, 0x70, 0x00, 0x19, 0xFA}
	cmdRasterMode = []byte{0x1D, 0x76, 0x30, 0x00}
)

// Builder assembles an ESC/POS document from formatting operations.
// It performs no I/O. Every stateful toggle (bold, alignment, size)
// is switched on and back off within the operation that uses it, so
// operations never leak state into each other.
type Builder struct {
	width int
	buf   bytes.Buffer
}

// NewBuilder starts a document for a printer with the given
// characters-per-line. The buffer always begins with the firmware
// initialize sequence.
func NewBuilder(charsPerLine int) *Builder {
	if charsPerLine <= 0 {
		charsPerLine = defaultCharsPerLine
	}
	b := &Builder{width: charsPerLine}
	b.buf.Write(cmdInit)
	return b
}

// Width returns the configured characters-per-line.
func (b *Builder) Width() int {
	return b.width
}

// Line appends a plain text line.
func (b *Builder) Line(text string) {
	b.buf.WriteString(text)
	b.buf.WriteByte('\n')
}

// BoldLine appends a line printed in emphasized mode.
func (b *Builder) BoldLine(text string) {
	b.buf.Write(cmdBoldOn)
	b.buf.WriteString(text)
	b.buf.Write(cmdBoldOff)
	b.buf.WriteByte('\n')
}

// DoubleLine appends a line printed at double width and height.
func (b *Builder) DoubleLine(text string) {
	b.buf.Write(cmdDoubleOn)
	b.buf.WriteString(text)
	b.buf.Write(cmdDoubleOff)
	b.buf.WriteByte('\n')
}

// CenterLine appends a centered line and restores left alignment.
func (b *Builder) CenterLine(text string) {
	b.buf.Write(cmdAlignMid)
	b.buf.WriteString(text)
	b.buf.WriteByte('\n')
	b.buf.Write(cmdAlignLeft)
}

// RightLine appends a right-aligned line and restores left alignment.
func (b *Builder) RightLine(text string) {
	b.buf.Write(cmdAlignRight)
	b.buf.WriteString(text)
	b.buf.WriteByte('\n')
	b.buf.Write(cmdAlignLeft)
}

// cells counts printable character cells. The printer advances one
// cell per character, not per byte, so multi-byte UTF-8 text must be
// measured in runes or the right column drifts.
func cells(s string) int {
	return utf8.RuneCountInString(s)
}

// TwoColumns appends a line with left text packed against right text.
// At least one separating space is always emitted; when the combined
// content exceeds the line width the padding is clamped to a single
// space and the line runs long rather than truncating.
func (b *Builder) TwoColumns(left, right string) {
	pad := b.width - cells(left) - cells(right)
	if pad < 1 {
		pad = 1
	}
	b.buf.WriteString(left)
	b.buf.WriteString(strings.Repeat(" ", pad))
	b.buf.WriteString(right)
	b.buf.WriteByte('\n')
}

// ThreeColumns appends a line with left, center and right fields. The
// free space is split between the two gaps, each at least one space.
func (b *Builder) ThreeColumns(left, center, right string) {
	free := b.width - cells(left) - cells(center) - cells(right)
	gap1 := free / 2
	gap2 := free - gap1
	if gap1 < 1 {
		gap1 = 1
	}
	if gap2 < 1 {
		gap2 = 1
	}
	b.buf.WriteString(left)
	b.buf.WriteString(strings.Repeat(" ", gap1))
	b.buf.WriteString(center)
	b.buf.WriteString(strings.Repeat(" ", gap2))
	b.buf.WriteString(right)
	b.buf.WriteByte('\n')
}

// Separator appends a full-width rule of dashes.
func (b *Builder) Separator() {
	b.Rule('-')
}

// Rule appends a full-width rule of the given character.
func (b *Builder) Rule(ch byte) {
	b.buf.WriteString(strings.Repeat(string(ch), b.width))
	b.buf.WriteByte('\n')
}

// Feed appends n blank lines.
func (b *Builder) Feed(n int) {
	for i := 0; i < n; i++ {
		b.buf.WriteByte('\n')
	}
}

// Image embeds a pre-rasterized image as a GS v 0 raster band. The
// raster width must be a whole number of 8-dot bytes and small enough
// for the two-byte header fields.
func (b *Builder) Image(r *Raster) error {
	if r == nil || r.WidthDots <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: empty raster", ErrInvalidImageFormat)
	}
	if r.WidthDots%8 != 0 {
		return fmt.Errorf("%w: width %d dots is not a whole number of bytes", ErrInvalidImageFormat, r.WidthDots)
	}
	widthBytes := r.WidthDots / 8
	if widthBytes > 0xFFFF || r.Height > 0xFFFF {
		return fmt.Errorf("%w: raster %dx%d exceeds header range", ErrInvalidImageFormat, r.WidthDots, r.Height)
	}
	if len(r.Data) != widthBytes*r.Height {
		return fmt.Errorf("%w: raster data is %d bytes, want %d", ErrInvalidImageFormat, len(r.Data), widthBytes*r.Height)
	}

	b.buf.Write(cmdRasterMode)
	b.buf.WriteByte(byte(widthBytes & 0xFF))
	b.buf.WriteByte(byte(widthBytes >> 8))
	b.buf.WriteByte(byte(r.Height & 0xFF))
	b.buf.WriteByte(byte(r.Height >> 8))
	b.buf.Write(r.Data)
	return nil
}

// PartialCut feeds past the blade and performs a partial cut.
func (b *Builder) PartialCut() {
	b.Feed(4)
	b.buf.Write(cmdPartialCut)
}

// FullCut feeds past the blade and performs a full cut.
func (b *Builder) FullCut() {
	b.Feed(4)
	b.buf.Write(cmdFullCut)
}

// OpenDrawer pulses the cash drawer kick connector.
func (b *Builder) OpenDrawer() {
	b.buf.Write(cmdOpenDrawer)
}

// Beep sounds the printer buzzer n times. Not all firmwares implement
// ESC B; those that don't ignore it.
func (b *Builder) Beep(n int) {
	if n < 1 {
		n = 1
	}
	if n > 9 {
		n = 9
	}
	b.buf.Write([]byte{0x1B, 0x42, byte(n), 0x02})
}

// Raw appends bytes verbatim. Used for firmware pass-through settings
// such as print density.
func (b *Builder) Raw(data []byte) {
	b.buf.Write(data)
}

// Bytes returns a copy of the assembled document.
func (b *Builder) Bytes() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

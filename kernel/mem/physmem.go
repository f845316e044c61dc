package mem

import (
	"github.com/doublegate/VeridianOS-sub004/internal/spin"
)

// physMem holds the contents of frames that have been written. Frames
// never written read as zero.
type physMem struct {
	mu    spin.Mutex
	pages map[Frame]*[PageSize]byte
}

func (p *physMem) read(f Frame, off int, buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page, ok := p.pages[f]
	if !ok {
		clear(buf)
		return
	}
	copy(buf, page[off:])
}

func (p *physMem) write(f Frame, off int, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page, ok := p.pages[f]
	if !ok {
		page = new([PageSize]byte)
		p.pages[f] = page
	}
	copy(page[off:], data)
}

// copyFrame duplicates the contents of src into dst.
func (p *physMem) copyFrame(dst, src Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page, ok := p.pages[src]
	if !ok {
		delete(p.pages, dst)
		return
	}
	dup := *page
	p.pages[dst] = &dup
}

// drop forgets the contents of [start, start+n) so that the frames read
// as zero when allocated again.
func (p *physMem) drop(start Frame, n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for f := start; f < start+Frame(n); f++ {
		delete(p.pages, f)
	}
}

// resident returns the number of frames with stored contents.
func (p *physMem) resident() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages)
}

package heap

// pageMap resolves a page ID to the span that currently owns the page.
// All reads and writes happen under the page cache mutex.
//
// Idle spans map at least their first and last pages (enough for the
// coalescer to find a neighbour by probing one page past a span's edge);
// spans owned by the central cache, and large allocations served from the
// buckets, map every page so any interior pointer resolves on free. Runs
// beyond the buckets, straight from the OS, map only their first and last
// pages, so only their base address resolves. Entries interior to an idle
// span may go stale after a merge; they are never probed, because probes
// only ever land on a span's edge or on a fully mapped span.
type pageMap struct {
	spans map[pageID]*span
}

func (m *pageMap) init() {
	m.spans = make(map[pageID]*span, 1024)
}

func (m *pageMap) get(id pageID) *span {
	return m.spans[id]
}

func (m *pageMap) set(id pageID, s *span) {
	m.spans[id] = s
}

func (m *pageMap) erase(id pageID) {
	delete(m.spans, id)
}

// setEdges maps the first and last pages of s.
func (m *pageMap) setEdges(s *span) {
	m.spans[s.start] = s
	m.spans[s.lastPage()] = s
}

// setAll maps every page of s.
func (m *pageMap) setAll(s *span) {
	for i := uintptr(0); i < s.npages; i++ {
		m.spans[s.start+pageID(i)] = s
	}
}

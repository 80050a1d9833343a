package heap

import "unsafe"

// Free objects carry the link to the next free object in their first
// machine word. The word belongs to the allocator while the object is on
// a list and to the user the moment it is handed out; size classes start
// at 8 bytes, so the word always fits.

func objNext(obj unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(obj)
}

func setObjNext(obj, next unsafe.Pointer) {
	*(*unsafe.Pointer)(obj) = next
}

// freeList is a counted intrusive list of free objects of one size class.
// maxSize is the slow-start cap: how many objects the owning thread cache
// may fetch in one batch before the cap grows again.
type freeList struct {
	head unsafe.Pointer
	n    uintptr
	max  uintptr
}

func (f *freeList) empty() bool   { return f.head == nil }
func (f *freeList) size() uintptr { return f.n }

func (f *freeList) maxSize() uintptr { return f.max }
func (f *freeList) growMax()         { f.max++ }

func (f *freeList) push(obj unsafe.Pointer) {
	if obj == nil {
		panic("heap: push of nil object")
	}
	setObjNext(obj, f.head)
	f.head = obj
	f.n++
}

func (f *freeList) pop() unsafe.Pointer {
	if f.head == nil {
		panic("heap: pop from empty free list")
	}
	obj := f.head
	f.head = objNext(obj)
	f.n--
	return obj
}

// pushRange prepends the chain [start, end] of n objects. end's link is
// overwritten, so callers need not null it first.
func (f *freeList) pushRange(start, end unsafe.Pointer, n uintptr) {
	setObjNext(end, f.head)
	f.head = start
	f.n += n
}

// popRange detaches the first n objects and returns the detached chain
// [start, end] with end's link nulled. Precondition: n <= size().
func (f *freeList) popRange(n uintptr) (start, end unsafe.Pointer) {
	if n == 0 || n > f.n {
		panic("heap: popRange size out of range")
	}
	start = f.head
	end = f.head
	for i := uintptr(0); i < n-1; i++ {
		end = objNext(end)
	}
	f.head = objNext(end)
	setObjNext(end, nil)
	f.n -= n
	return start, end
}

package offlinecache

// LruState is the serializable form of an LruList. Links are stored by key
// rather than by pointer so the whole list round-trips through JSON.
type LruState struct {
	Head  *string             `json:"head"`
	Tail  *string             `json:"tail"`
	Map   map[string]*LruNode `json:"map"`
	Count int                 `json:"count"`
}

type LruNode struct {
	Prev *string `json:"prev"`
	Next *string `json:"next"`
}

// LruList tracks least-recently-used order over string keys.
type LruList struct {
	state *LruState
}

func NewLruList() *LruList {
	return LruFromState(&LruState{
		Head:  nil,
		Tail:  nil,
		Map:   make(map[string]*LruNode),
		Count: 0,
	})
}

// LruFromState wraps a previously dehydrated state.
func LruFromState(state *LruState) *LruList {
	if state.Map == nil {
		state.Map = make(map[string]*LruNode)
	}
	return &LruList{state: state}
}

// State returns the serializable state backing the list.
func (l *LruList) State() *LruState {
	return l.state
}

func (l *LruList) Size() int {
	return l.state.Count
}

// Accessed moves url to the head of the list, inserting it if new.
// Re-accessing the current head is a no-op.
func (l *LruList) Accessed(url string) {
	state := l.state
	if state.Head != nil && *state.Head == url {
		return
	}
	node, known := state.Map[url]
	if known {
		l.unlink(url, node)
	} else {
		node = &LruNode{}
	}
	node.Prev = nil
	node.Next = state.Head
	if state.Head != nil {
		state.Map[*state.Head].Prev = strPtr(url)
	}
	state.Head = strPtr(url)
	if state.Tail == nil {
		state.Tail = strPtr(url)
	}
	state.Map[url] = node
	if !known {
		state.Count++
	}
}

// Pop removes and returns the tail (least recently used) url,
// or "" if the list is empty.
func (l *LruList) Pop() string {
	if l.state.Tail == nil {
		return ""
	}
	url := *l.state.Tail
	l.Remove(url)
	return url
}

// Remove unlinks url from the list. It reports whether url was present.
func (l *LruList) Remove(url string) bool {
	node, ok := l.state.Map[url]
	if !ok {
		return false
	}
	l.unlink(url, node)
	delete(l.state.Map, url)
	l.state.Count--
	return true
}

// unlink detaches the node from its neighbors and fixes head/tail,
// leaving the map entry and count untouched.
func (l *LruList) unlink(url string, node *LruNode) {
	state := l.state
	if node.Prev != nil {
		state.Map[*node.Prev].Next = node.Next
	}
	if node.Next != nil {
		state.Map[*node.Next].Prev = node.Prev
	}
	if state.Head != nil && *state.Head == url {
		state.Head = node.Next
	}
	if state.Tail != nil && *state.Tail == url {
		state.Tail = node.Prev
	}
	node.Prev = nil
	node.Next = nil
}

func strPtr(s string) *string {
	return &s
}

package kernel

// scopeStack is a cognition's lexical environment. Each LET pushes one
// frame; lookups walk innermost-out. Frames never leak past the form
// that pushed them.
type scopeStack struct {
	frames []map[string]any
}

func newScopeStack() *scopeStack {
	return &scopeStack{}
}

func (s *scopeStack) push() {
	s.frames = append(s.frames, make(map[string]any))
}

func (s *scopeStack) pop() {
	if len(s.frames) > 0 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

// define binds name in the innermost frame.
func (s *scopeStack) define(name string, value any) {
	if len(s.frames) == 0 {
		s.push()
	}
	s.frames[len(s.frames)-1][name] = value
}

func (s *scopeStack) lookup(name string) (any, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

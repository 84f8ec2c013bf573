package memory

import (
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
)

// Server is an in-process hierarchical coordination service. Every Client connected
// to it is an independent session; its ephemeral nodes vanish when the client closes.
type Server struct {
	mu          sync.Mutex
	nodes       map[string]*node
	versions    map[string]int64
	watches     map[string][]func()
	sessions    int64
	dropWatches bool
	unavailable bool
	logger      *slog.Logger
}

type node struct {
	data    []byte
	session int64
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		nodes:    map[string]*node{"/": {}},
		versions: make(map[string]int64),
		watches:  make(map[string][]func()),
		logger:   logger.With("component", "coordination", "type", "memory"),
	}
}

// Connect opens a new session.
func (s *Server) Connect() *Client {
	s.mu.Lock()
	s.sessions++
	id := s.sessions
	s.mu.Unlock()

	return &Client{server: s, session: id}
}

// DropWatches discards every registered watch without firing it and, while enabled,
// silently ignores new registrations. It simulates notifications lost across a reconnect.
func (s *Server) DropWatches(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropWatches = drop
	if drop {
		s.watches = make(map[string][]func())
	}
}

// SetUnavailable makes every client call fail with a coordination error.
func (s *Server) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

func (s *Server) Children(p string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(clean(p))
}

func (s *Server) Data(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

func (s *Server) WatchCount(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches[clean(p)])
}

func (s *Server) checkAvailable(op, p string) error {
	if s.unavailable {
		return domain.NewCoordinationError("coordination service unavailable", nil,
			domain.WithComponent("coordination.memory"),
			domain.WithOperation(op),
			domain.WithContextDetail("path", p))
	}
	return nil
}

func (s *Server) createPersistent(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable("create_persistent", p); err != nil {
		return err
	}

	var fired []func()
	current := ""
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		if existing, ok := s.nodes[current]; ok {
			if existing.session != 0 {
				return domain.NewValidationError("ephemeral nodes cannot have children", domain.ErrInvalidInput,
					domain.WithComponent("coordination.memory"),
					domain.WithContextDetail("path", current))
			}
			continue
		}
		s.nodes[current] = &node{}
		fired = append(fired, s.childChangedLocked(parent(current))...)
	}

	s.fire(fired)
	return nil
}

func (s *Server) createEphemeral(session int64, p string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable("create_ephemeral", p); err != nil {
		return false, err
	}

	if _, ok := s.nodes[p]; ok {
		return false, nil
	}

	dir := parent(p)
	parentNode, ok := s.nodes[dir]
	if !ok {
		return false, domain.NewNotFoundError("node", dir, domain.WithComponent("coordination.memory"))
	}
	if parentNode.session != 0 {
		return false, domain.NewValidationError("ephemeral nodes cannot have children", domain.ErrInvalidInput,
			domain.WithComponent("coordination.memory"),
			domain.WithContextDetail("path", dir))
	}

	s.nodes[p] = &node{data: append([]byte(nil), data...), session: session}
	s.fire(s.childChangedLocked(dir))
	return true, nil
}

func (s *Server) delete(p string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable("delete", p); err != nil {
		return false, err
	}

	if _, ok := s.nodes[p]; !ok {
		return true, nil
	}
	if len(s.childrenLocked(p)) > 0 {
		return false, domain.NewValidationError("node has children", domain.ErrInvalidInput,
			domain.WithComponent("coordination.memory"),
			domain.WithContextDetail("path", p))
	}

	delete(s.nodes, p)
	s.fire(s.childChangedLocked(parent(p)))
	return true, nil
}

func (s *Server) listChildren(p string) ([]string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable("list_children", p); err != nil {
		return nil, 0, err
	}
	if _, ok := s.nodes[p]; !ok {
		return nil, 0, domain.NewNotFoundError("node", p, domain.WithComponent("coordination.memory"))
	}
	return s.childrenLocked(p), s.versions[p], nil
}

func (s *Server) watchChildren(p string, callback func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable("watch_children", p); err != nil {
		return err
	}
	if _, ok := s.nodes[p]; !ok {
		return domain.NewNotFoundError("node", p, domain.WithComponent("coordination.memory"))
	}
	if s.dropWatches {
		s.logger.Debug("dropping watch registration", "path", p)
		return nil
	}

	s.watches[p] = append(s.watches[p], callback)
	return nil
}

func (s *Server) currentVersion(p string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAvailable("current_version", p); err != nil {
		return 0, err
	}
	if _, ok := s.nodes[p]; !ok {
		return 0, domain.NewNotFoundError("node", p, domain.WithComponent("coordination.memory"))
	}
	return s.versions[p], nil
}

func (s *Server) expireSession(session int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []string
	for p, n := range s.nodes {
		if n.session == session {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)

	var fired []func()
	for _, p := range owned {
		delete(s.nodes, p)
		fired = append(fired, s.childChangedLocked(parent(p))...)
	}

	if len(owned) > 0 {
		s.logger.Debug("session expired", "session", session, "ephemeral_nodes", len(owned))
	}
	s.fire(fired)
}

// childChangedLocked bumps the child version of dir and detaches its one-shot watches.
func (s *Server) childChangedLocked(dir string) []func() {
	s.versions[dir]++
	fired := s.watches[dir]
	delete(s.watches, dir)
	return fired
}

func (s *Server) childrenLocked(p string) []string {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}

	var children []string
	for candidate := range s.nodes {
		if candidate == p || !strings.HasPrefix(candidate, prefix) {
			continue
		}
		rest := strings.TrimPrefix(candidate, prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children
}

// fire runs callbacks off the server lock, the way a session event thread would.
func (s *Server) fire(callbacks []func()) {
	for _, cb := range callbacks {
		go cb()
	}
}

func clean(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

func parent(p string) string {
	return path.Dir(p)
}

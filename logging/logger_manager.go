package logging

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// levelRegistry tracks every named logger together with the levels requested for logger name
// subtrees. A requested level also applies to loggers that register after the request, so a
// pipeline stage sublogger created mid-run follows the level set for its parent.
type levelRegistry struct {
	mu        sync.Mutex
	loggers   map[string]Logger
	requested map[string]Level
}

var registry = newLevelRegistry()

func newLevelRegistry() *levelRegistry {
	return &levelRegistry{
		loggers:   make(map[string]Logger),
		requested: make(map[string]Level),
	}
}

// inSubtree reports whether name is root or one of its dotted descendants.
func inSubtree(name, root string) bool {
	return name == root || strings.HasPrefix(name, root+".")
}

// requestedLevel returns the level requested for the closest ancestor of name, name included.
func (lr *levelRegistry) requestedLevel(name string) (Level, bool) {
	for n := name; ; {
		if level, ok := lr.requested[n]; ok {
			return level, true
		}
		i := strings.LastIndexByte(n, '.')
		if i < 0 {
			return 0, false
		}
		n = n[:i]
	}
}

func (lr *levelRegistry) register(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
	if level, ok := lr.requestedLevel(name); ok {
		logger.SetLevel(level)
	}
}

// setSubtreeLevel sets level on root and its descendants. Earlier requests for descendants are
// dropped so that the subtree ends up uniform.
func (lr *levelRegistry) setSubtreeLevel(root string, level Level) error {
	if root == "" {
		return errors.New("logger name is required")
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	for name := range lr.requested {
		if inSubtree(name, root) {
			delete(lr.requested, name)
		}
	}
	lr.requested[root] = level
	for name, logger := range lr.loggers {
		if inSubtree(name, root) {
			logger.SetLevel(level)
		}
	}
	return nil
}

// RegisterLogger records logger under name and applies any level requested for it.
func RegisterLogger(name string, logger Logger) {
	registry.register(name, logger)
}

// UpdateLoggerLevel sets the level of the logger called name and of all its subloggers,
// including the ones created afterwards.
func UpdateLoggerLevel(name string, level Level) error {
	return registry.setSubtreeLevel(name, level)
}

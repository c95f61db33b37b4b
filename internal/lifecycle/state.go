package lifecycle

import (
	"fmt"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
)

// Kind enumerates lifecycle states.
type Kind int

const (
	NotLoaded Kind = iota
	Loading
	Ready
	Processing
	Error
)

func (k Kind) String() string {
	switch k {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Processing:
		return "processing"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kinds lists every state kind in declaration order.
func Kinds() []Kind {
	return []Kind{NotLoaded, Loading, Ready, Processing, Error}
}

// State is an immutable lifecycle snapshot. Progress is meaningful only for
// Loading and Message only for Error. Model is the zero Descriptor when
// NotLoaded.
type State struct {
	Kind     Kind               `json:"-"`
	Progress float64            `json:"progress,omitempty"`
	Model    catalog.Descriptor `json:"-"`
	Message  string             `json:"message,omitempty"`
}

// HasModel reports whether the state refers to a model.
func (s State) HasModel() bool {
	return s.Model.Identifier != ""
}

func (s State) String() string {
	switch s.Kind {
	case Loading:
		return fmt.Sprintf("loading(%.2f)", s.Progress)
	case Error:
		return fmt.Sprintf("error(%s)", s.Message)
	default:
		return s.Kind.String()
	}
}

// Package features defines the layout of the board tensor and of the action space shared by
// the dataset files, the model and the exported inference artifact.
//
// A board is encoded as Planes feature planes of Height x Width floats (row-major, planes first),
// and actions are indexed by square (row*Width + col) followed by the pass action.
package features

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// DefaultPlanes is the number of input feature planes: player stones, opponent stones and legal moves.
	DefaultPlanes = 3

	// DefaultBoardSize is the height and width of an Othello board.
	DefaultBoardSize = 8

	// DefaultNumActions is one action per square plus the pass action.
	DefaultNumActions = DefaultBoardSize*DefaultBoardSize + 1
)

// Geometry describes the shape of one sample: the board tensor and the action space.
type Geometry struct {
	Planes, Height, Width int

	// Actions is the length of the policy vector.
	Actions int
}

// Default is the Othello geometry: 3x8x8 board tensor and 65 actions.
var Default = Geometry{
	Planes:  DefaultPlanes,
	Height:  DefaultBoardSize,
	Width:   DefaultBoardSize,
	Actions: DefaultNumActions,
}

// Squares returns the number of spatial positions, Height*Width.
func (g Geometry) Squares() int { return g.Height * g.Width }

// BoardSize returns the number of floats of one board tensor.
func (g Geometry) BoardSize() int { return g.Planes * g.Height * g.Width }

// BoardDims returns the dimensions of a batch of boards, in NCHW order.
func (g Geometry) BoardDims(batchSize int) []int {
	return []int{batchSize, g.Planes, g.Height, g.Width}
}

// PassAction returns the index of the pass action: the one after all squares.
// It returns -1 if the geometry has no pass action.
func (g Geometry) PassAction() int {
	if g.Actions <= g.Squares() {
		return -1
	}
	return g.Squares()
}

// ActionIndex returns the policy index of playing at (row, col).
// Use row=-1, col=-1 for the pass action.
func (g Geometry) ActionIndex(row, col int) int {
	if row == -1 && col == -1 {
		return g.PassAction()
	}
	return row*g.Width + col
}

// Validate checks all dimensions are positive and the action space can address every square.
func (g Geometry) Validate() error {
	if g.Planes <= 0 || g.Height <= 0 || g.Width <= 0 {
		return errors.Errorf("invalid board geometry %s: planes, height and width must be > 0", g)
	}
	if g.Actions < g.Squares() {
		return errors.Errorf("invalid board geometry %s: %d actions can't address %d squares",
			g, g.Actions, g.Squares())
	}
	return nil
}

// String implements fmt.Stringer.
func (g Geometry) String() string {
	return fmt.Sprintf("[%dx%dx%d -> %d actions]", g.Planes, g.Height, g.Width, g.Actions)
}

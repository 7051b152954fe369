package session

import (
	"sync/atomic"

	"github.com/google/uuid"

	"jcameracontrol/internal/camera"
)

// Tile pairs one attached camera with its rendering surface and its
// expand/collapse state.
//
// Ownership: expanded and listener belong to the UI domain; capture belongs
// to the capture domain. capturing is written on the capture domain and may
// be read from anywhere.
type Tile struct {
	ID     string
	Camera camera.Info

	expanded bool
	listener camera.FrameListener

	capture   camera.Capturer
	capturing atomic.Bool
}

func newTile(info camera.Info) *Tile {
	return &Tile{
		ID:       uuid.NewString(),
		Camera:   info,
		expanded: true,
	}
}

// Capturing reports whether frames are currently being pulled for this tile.
func (t *Tile) Capturing() bool { return t.capturing.Load() }

// TileState is a point-in-time copy of a tile.
type TileState struct {
	ID        string
	CameraID  string
	Name      string
	Expanded  bool
	Capturing bool
}

func (t *Tile) state() TileState {
	return TileState{
		ID:        t.ID,
		CameraID:  t.Camera.ID,
		Name:      t.Camera.Name,
		Expanded:  t.expanded,
		Capturing: t.capturing.Load(),
	}
}

package screenshare

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// PacketKind discriminates the small JSON payloads riding the annotations
// data channel.
type PacketKind string

const (
	PacketAnnotation       PacketKind = "annotation"
	PacketCursor           PacketKind = "cursor"
	PacketClearAnnotations PacketKind = "clear_annotations"
)

// Point is one annotation vertex, normalized to the shared viewport: both
// coordinates must lie in [0,1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Annotation is one drawn stroke: a fresh ID, the author, an RGB color
// string, the normalized point list, and a wall-clock timestamp in seconds.
type Annotation struct {
	ID        string  `json:"id"`
	AuthorID  string  `json:"author_id"`
	Color     string  `json:"color"`
	Points    []Point `json:"points"`
	Timestamp float64 `json:"timestamp"`
}

// Cursor is one remote cursor position update.
type Cursor struct {
	AuthorID string  `json:"author_id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// packet is the single envelope shape for all data-channel payloads.
type packet struct {
	Kind       PacketKind  `json:"kind"`
	Annotation *Annotation `json:"annotation,omitempty"`
	Cursor     *Cursor     `json:"cursor,omitempty"`
	AuthorID   string      `json:"author_id,omitempty"`
}

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// InvalidAnnotationError reports an annotation or cursor payload that failed
// validation before transmission.
type InvalidAnnotationError struct{ Reason string }

func (e *InvalidAnnotationError) Error() string {
	return fmt.Sprintf("screenshare: invalid annotation: %s", e.Reason)
}

func checkPoint(p Point) error {
	if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
		return &InvalidAnnotationError{Reason: fmt.Sprintf("point (%v, %v) outside [0,1]", p.X, p.Y)}
	}
	return nil
}

// newAnnotation validates and builds an Annotation authored by authorID.
func newAnnotation(authorID, color string, points []Point) (Annotation, error) {
	if !colorPattern.MatchString(color) {
		return Annotation{}, &InvalidAnnotationError{Reason: "color must be #rrggbb"}
	}
	if len(points) == 0 {
		return Annotation{}, &InvalidAnnotationError{Reason: "empty point list"}
	}
	for _, p := range points {
		if err := checkPoint(p); err != nil {
			return Annotation{}, err
		}
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	return Annotation{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Color:     color,
		Points:    cp,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}, nil
}

func encodePacket(p packet) ([]byte, error) {
	return json.Marshal(p)
}

func decodePacket(data []byte) (packet, error) {
	var p packet
	if err := json.Unmarshal(data, &p); err != nil {
		return packet{}, err
	}
	switch p.Kind {
	case PacketAnnotation:
		if p.Annotation == nil {
			return packet{}, &InvalidAnnotationError{Reason: "annotation packet without body"}
		}
		for _, pt := range p.Annotation.Points {
			if err := checkPoint(pt); err != nil {
				return packet{}, err
			}
		}
	case PacketCursor:
		if p.Cursor == nil {
			return packet{}, &InvalidAnnotationError{Reason: "cursor packet without body"}
		}
		if err := checkPoint(Point{X: p.Cursor.X, Y: p.Cursor.Y}); err != nil {
			return packet{}, err
		}
	case PacketClearAnnotations:
	default:
		return packet{}, &InvalidAnnotationError{Reason: "unknown packet kind " + string(p.Kind)}
	}
	return p, nil
}

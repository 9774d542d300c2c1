// Package angles tracks which joint angles are displayed and their most
// recently computed values.
package angles

import (
	"fmt"
	"strings"

	"github.com/e7canasta/orion-overlay/internal/geometry"
	"github.com/e7canasta/orion-overlay/internal/types"
)

// Joint identifies one of the fixed angle joints.
type Joint int

const (
	LeftKnee Joint = iota
	RightKnee
	LeftHip
	RightHip
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow

	jointCount
)

// Joints lists every joint in display order.
var Joints = [jointCount]Joint{
	LeftKnee, RightKnee, LeftHip, RightHip,
	LeftShoulder, RightShoulder, LeftElbow, RightElbow,
}

var jointNames = [jointCount]string{
	"Left Knee", "Right Knee", "Left Hip", "Right Hip",
	"Left Shoulder", "Right Shoulder", "Left Elbow", "Right Elbow",
}

// triple is the landmark slots (a, vertex, c) an angle is measured from.
type triple struct{ a, vertex, c int }

var jointLandmarks = [jointCount]triple{
	LeftKnee:      {types.PoseLeftHip, types.PoseLeftKnee, types.PoseLeftAnkle},
	RightKnee:     {types.PoseRightHip, types.PoseRightKnee, types.PoseRightAnkle},
	LeftHip:       {types.PoseLeftShoulder, types.PoseLeftHip, types.PoseLeftKnee},
	RightHip:      {types.PoseRightShoulder, types.PoseRightHip, types.PoseRightKnee},
	LeftShoulder:  {types.PoseLeftElbow, types.PoseLeftShoulder, types.PoseLeftHip},
	RightShoulder: {types.PoseRightElbow, types.PoseRightShoulder, types.PoseRightHip},
	LeftElbow:     {types.PoseLeftShoulder, types.PoseLeftElbow, types.PoseLeftWrist},
	RightElbow:    {types.PoseRightShoulder, types.PoseRightElbow, types.PoseRightWrist},
}

// String returns the display name ("Left Knee").
func (j Joint) String() string {
	if j < 0 || j >= jointCount {
		return "Unknown"
	}
	return jointNames[j]
}

// Key returns the snake_case identifier used in commands and JSON.
func (j Joint) Key() string {
	return strings.ReplaceAll(strings.ToLower(j.String()), " ", "_")
}

// Vertex returns the landmark slot the angle is measured at.
func (j Joint) Vertex() int {
	return jointLandmarks[j].vertex
}

// ParseJoint accepts "Left Knee", "left_knee" or "left-knee".
func ParseJoint(name string) (Joint, error) {
	norm := strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(name))
	for _, j := range Joints {
		if strings.EqualFold(norm, jointNames[j]) {
			return j, nil
		}
	}
	return 0, fmt.Errorf("angles: unknown joint %q", name)
}

// Reading is a computed angle; Valid=false means absent.
type Reading struct {
	Degrees float64
	Valid   bool
}

// Absent is the reading stored when landmarks were not detected.
var Absent = Reading{}

type entry struct {
	visible bool
	reading Reading
}

// State holds per-joint visibility flags and last computed readings.
//
// The joint set is fixed. State is not safe for concurrent use: it is
// owned by the lifecycle event loop.
type State struct {
	entries [jointCount]entry
}

// New creates a state with every angle hidden and absent.
func New() *State {
	return &State{}
}

// Toggle flips the visibility flag of exactly one joint.
// Readings are not touched.
func (s *State) Toggle(j Joint) bool {
	s.entries[j].visible = !s.entries[j].visible
	return s.entries[j].visible
}

// SetVisible sets the visibility flag of one joint.
func (s *State) SetVisible(j Joint, visible bool) {
	s.entries[j].visible = visible
}

// Visible reports the visibility flag of a joint.
func (s *State) Visible(j Joint) bool {
	return s.entries[j].visible
}

// Update stores a reading. An absent reading replaces any previous value.
func (s *State) Update(j Joint, r Reading) {
	s.entries[j].reading = r
}

// Reading returns the last stored reading of a joint.
func (s *State) Reading(j Joint) Reading {
	return s.entries[j].reading
}

// UpdateFromLandmarks recomputes every joint from a landmark result on a
// width x height frame. Joints whose landmarks are missing, or whose
// geometry is degenerate, become absent.
func (s *State) UpdateFromLandmarks(res types.DetectionResult, width, height int) {
	for _, j := range Joints {
		s.Update(j, Compute(j, res, width, height))
	}
}

// ClearValues marks every reading absent; visibility flags are kept.
func (s *State) ClearValues() {
	for j := range s.entries {
		s.entries[j].reading = Absent
	}
}

// Compute measures one joint angle from a landmark result.
//
// Landmarks are normalized to the frame, so X and Y are scaled to pixels
// first: on a non-square frame the normalized angle is skewed. A zero
// width or height measures in normalized space.
func Compute(j Joint, res types.DetectionResult, width, height int) Reading {
	t := jointLandmarks[j]
	a, okA := res.Landmark(t.a)
	b, okB := res.Landmark(t.vertex)
	c, okC := res.Landmark(t.c)
	if !okA || !okB || !okC {
		return Absent
	}

	sx, sy := 1.0, 1.0
	if width > 0 && height > 0 {
		sx, sy = float64(width), float64(height)
	}
	scale := func(p types.Point) types.Point {
		return types.Point{X: p.X * sx, Y: p.Y * sy}
	}

	deg, err := geometry.AngleAt(scale(a.Point), scale(b.Point), scale(c.Point))
	if err != nil {
		return Absent
	}
	return Reading{Degrees: deg, Valid: true}
}

// JointView is an immutable per-joint snapshot.
type JointView struct {
	Joint   Joint   `json:"-"`
	Key     string  `json:"joint"`
	Name    string  `json:"name"`
	Visible bool    `json:"visible"`
	Valid   bool    `json:"valid"`
	Degrees float64 `json:"degrees"`
}

// Snapshot is a read-only copy of the state, safe to hand to other goroutines.
type Snapshot [jointCount]JointView

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	var out Snapshot
	for _, j := range Joints {
		e := s.entries[j]
		out[j] = JointView{
			Joint:   j,
			Key:     j.Key(),
			Name:    j.String(),
			Visible: e.visible,
			Valid:   e.reading.Valid,
			Degrees: e.reading.Degrees,
		}
	}
	return out
}

package types

// PoseLandmarkCount is the number of slots the pose model returns.
const PoseLandmarkCount = 33

// Pose landmark slots (BlazePose topology).
//
//	0: nose            11/12: shoulders     23/24: hips
//	1-6: eyes           13/14: elbows        25/26: knees
//	7/8: ears           15/16: wrists        27/28: ankles
//	9/10: mouth         17-22: hands         29-32: feet
const (
	PoseNose          = 0
	PoseLeftShoulder  = 11
	PoseRightShoulder = 12
	PoseLeftElbow     = 13
	PoseRightElbow    = 14
	PoseLeftWrist     = 15
	PoseRightWrist    = 16
	PoseLeftHip       = 23
	PoseRightHip      = 24
	PoseLeftKnee      = 25
	PoseRightKnee     = 26
	PoseLeftAnkle     = 27
	PoseRightAnkle    = 28

	// PoseFaceLast is the last index of the face region (nose, eyes, ears, mouth).
	PoseFaceLast = 10
)

// Connection is a pair of landmark indices joined by a skeleton segment.
type Connection struct {
	From int
	To   int
}

// PoseConnections defines the skeleton segments to draw between landmarks.
var PoseConnections = []Connection{
	{0, 1}, {1, 2}, {2, 3}, {3, 7}, {0, 4}, {4, 5}, {5, 6}, {6, 8}, {9, 10},
	{11, 12}, {11, 13}, {13, 15}, {15, 17}, {15, 19}, {15, 21}, {17, 19},
	{12, 14}, {14, 16}, {16, 18}, {16, 20}, {16, 22}, {18, 20},
	{11, 23}, {12, 24}, {23, 24}, {23, 25}, {24, 26},
	{25, 27}, {26, 28}, {27, 29}, {28, 30}, {29, 31}, {30, 32}, {27, 31}, {28, 32},
}

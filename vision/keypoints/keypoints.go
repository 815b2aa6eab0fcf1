// Package keypoints contains the implementation of keypoints in an image. For now:
// - FAST keypoints
// - BRIEF descriptors
// - ORB keypoints + descriptors over an image pyramid.
package keypoints

import (
	"image"
	"math"

	"github.com/fogleman/gg"

	"go.viam.com/tod/utils"
)

type (
	// KeyPoint is an image.Point that contains coordinates of a kp.
	KeyPoint image.Point // keypoint type
	// KeyPoints is a slice of image.Point that contains several kps.
	KeyPoints []image.Point // set of keypoints type
)

// orientationRadius is the radius of the patch used to compute the intensity centroid.
const orientationRadius = 15

// OrientedKeypoints contains keypoints and their corresponding orientations.
type OrientedKeypoints struct {
	Points       KeyPoints
	Orientations []float64
}

// computeMaskOrientationFAST returns, for each row of the 31x31 orientation patch, the half width
// of the disc covered on that row.
func computeMaskOrientationFAST() []int {
	halfWidths := make([]int, orientationRadius+1)
	for dy := 0; dy <= orientationRadius; dy++ {
		halfWidths[dy] = int(math.Round(math.Sqrt(float64(orientationRadius*orientationRadius - dy*dy))))
	}
	return halfWidths
}

var orientationHalfWidths = computeMaskOrientationFAST()

func computeKeypointsOrientations(img *image.Gray, kps KeyPoints) []float64 {
	orientations := make([]float64, len(kps))
	for i, kp := range kps {
		m01, m10 := 0, 0
		for dy := -orientationRadius; dy <= orientationRadius; dy++ {
			hw := orientationHalfWidths[utils.AbsInt(dy)]
			m01Temp := 0
			for dx := -hw; dx <= hw; dx++ {
				// pixels outside the image read as 0
				pixVal := int(img.GrayAt(kp.X+dx, kp.Y+dy).Y)
				m10 += pixVal * dx
				m01Temp += pixVal
			}
			m01 += m01Temp * dy
		}
		orientations[i] = math.Atan2(float64(m01), float64(m10))
	}
	return orientations
}

// GetOrientedKeyPointsFromKeyPoints computes the orientation of keypoints in the corresponding image
// and return kps and corresponding orientations in a OrientedKeypoints struct.
func GetOrientedKeyPointsFromKeyPoints(img *image.Gray, kps KeyPoints) *OrientedKeypoints {
	return &OrientedKeypoints{
		kps,
		computeKeypointsOrientations(img, kps),
	}
}

// RescaleKeypoints rescales given keypoints wrt scaleFactor.
func RescaleKeypoints(kps KeyPoints, scaleFactor float64) KeyPoints {
	rescaled := make(KeyPoints, len(kps))
	for i, kp := range kps {
		rescaled[i] = image.Point{
			X: int(math.Round(float64(kp.X) * scaleFactor)),
			Y: int(math.Round(float64(kp.Y) * scaleFactor)),
		}
	}
	return rescaled
}

// PlotKeypoints plots keypoints on image.
func PlotKeypoints(img *image.Gray, kps []image.Point, outName string) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	dc := gg.NewContext(w, h)
	dc.DrawImage(img, 0, 0)

	// draw keypoints on image
	dc.SetRGBA(0, 0, 1, 0.5)
	for _, p := range kps {
		dc.DrawCircle(float64(p.X), float64(p.Y), float64(3.0))
		dc.Fill()
	}
	return dc.SavePNG(outName)
}

package pipeline

import (
	"image"

	"gocv.io/x/gocv"

	"tethercam/internal/services/events"
)

// Exposure flag ranges, inclusive, applied to every channel.
const (
	shadowHigh    = 5
	highlightLow  = 250
	histogramBins = 256
)

var (
	flagBlue = gocv.NewScalar(255, 0, 0, 0)
	flagRed  = gocv.NewScalar(0, 0, 255, 0)
)

// highlightRange paints pixels whose channels all lie in [lo, hi] with c.
func highlightRange(img *gocv.Mat, lo, hi float64, c gocv.Scalar) {
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(*img, gocv.NewScalar(lo, lo, lo, 0), gocv.NewScalar(hi, hi, hi, 0), &mask)
	if gocv.CountNonZero(mask) == 0 {
		return
	}

	fill := gocv.NewMatWithSizeFromScalar(c, img.Rows(), img.Cols(), img.Type())
	defer fill.Close()
	fill.CopyToWithMask(img, mask)
}

func highlightUnderExposed(img *gocv.Mat) {
	highlightRange(img, 0, shadowHigh, flagBlue)
}

func highlightOverExposed(img *gocv.Mat) {
	highlightRange(img, highlightLow, 255, flagRed)
}

func invert(img *gocv.Mat) {
	gocv.BitwiseNot(*img, img)
}

// adjustBrightness adds a signed offset of brightness percent of full scale.
func adjustBrightness(img *gocv.Mat, brightness int) {
	if brightness == 0 {
		return
	}
	gocv.AddWeighted(*img, 1, *img, 0, float64(brightness)*255/100, img)
}

func toGray(img *gocv.Mat) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(*img, &gray, gocv.ColorBGRToGray)
	gocv.CvtColor(gray, img, gocv.ColorGrayToBGR)
}

// detectEdges replaces img with the homogeneity edge map of its grayscale:
// the largest absolute difference between a pixel and its 3x3 neighbours.
func detectEdges(img *gocv.Mat) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(*img, &gray, gocv.ColorBGRToGray)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()

	dilated := gocv.NewMat()
	defer dilated.Close()
	eroded := gocv.NewMat()
	defer eroded.Close()
	gocv.Dilate(gray, &dilated, kernel)
	gocv.Erode(gray, &eroded, kernel)

	up := gocv.NewMat()
	defer up.Close()
	down := gocv.NewMat()
	defer down.Close()
	gocv.Subtract(dilated, gray, &up)
	gocv.Subtract(gray, eroded, &down)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Max(up, down, &edges)
	gocv.CvtColor(edges, img, gocv.ColorGrayToBGR)
}

func flipHorizontal(img *gocv.Mat) {
	gocv.Flip(*img, img, 1)
}

// cropCentre keeps the middle of img, removing ratio percent of each
// dimension split evenly between both sides.
func cropCentre(img *gocv.Mat, ratio int) {
	if ratio <= 0 {
		return
	}
	r := cropRect(img.Cols(), img.Rows(), ratio)
	if r.Empty() {
		return
	}
	region := img.Region(r)
	cropped := region.Clone()
	region.Close()
	img.Close()
	*img = cropped
}

func cropRect(w, h, ratio int) image.Rectangle {
	x := w / 2 * ratio / 100
	y := h / 2 * ratio / 100
	return image.Rect(x, y, w-x, h-y)
}

// computeHistogram counts luminance and per channel values of a BGR image.
func computeHistogram(img gocv.Mat) *events.Histogram {
	h := &events.Histogram{}

	channels := gocv.Split(img)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()
	if len(channels) < 3 {
		return h
	}
	fill(channels[2], &h.Red)
	fill(channels[1], &h.Green)
	fill(channels[0], &h.Blue)

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	fill(gray, &h.Luminance)
	return h
}

func fill(channel gocv.Mat, out *[256]int) {
	hist := gocv.NewMat()
	defer hist.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	gocv.CalcHist([]gocv.Mat{channel}, []int{0}, mask, &hist, []int{histogramBins}, []float64{0, 256}, false)
	if hist.Rows() < histogramBins {
		return
	}
	for i := 0; i < histogramBins; i++ {
		out[i] = int(hist.GetFloatAt(i, 0))
	}
}

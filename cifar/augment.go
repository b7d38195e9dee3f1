package cifar

// The SimCLR augmentation policy: random resized crop, random horizontal
// flip, color jitter and random grayscale, all on the CPU over image.Image.

import (
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Augmentation policy constants. Jitter magnitudes are further scaled by the
// configured strength.
const (
	minCropArea      = 0.08 // Fraction of the source area.
	minAspectRatio   = 3.0 / 4.0
	maxAspectRatio   = 4.0 / 3.0
	jitterProb       = 0.8
	grayscaleProb    = 0.2
	maxJitterPercent = 80.0 // imaging's Adjust* functions take percentages.
)

// Augmenter applies one random SimCLR augmentation per call. It is not safe
// for concurrent use: each dataset owns its own Augmenter and RNG, keeping
// view sampling reproducible within a run.
type Augmenter struct {
	// CropSize is the side of the square output.
	CropSize int

	// Strength scales the color distortion, 1.0 being the strength used on
	// ImageNet in the SimCLR paper.
	Strength float64

	rng *rand.Rand
}

// NewAugmenter creates an Augmenter with its own RNG seeded with seed.
func NewAugmenter(cropSize int, strength float64, seed int64) *Augmenter {
	return &Augmenter{
		CropSize: cropSize,
		Strength: strength,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Apply returns a freshly augmented view of img. The source image is not
// modified.
func (a *Augmenter) Apply(img image.Image) image.Image {
	out := a.randomResizedCrop(img)
	if a.rng.Intn(2) == 1 {
		out = imaging.FlipH(out)
	}
	if a.rng.Float64() < jitterProb {
		out = a.colorJitter(out)
	}
	if a.rng.Float64() < grayscaleProb {
		out = imaging.Grayscale(out)
	}
	return out
}

// randomResizedCrop picks a crop covering a random fraction of the source
// area with a random aspect ratio, then resizes it to CropSize x CropSize.
func (a *Augmenter) randomResizedCrop(img image.Image) image.Image {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	srcArea := float64(srcW * srcH)

	// Rejection-sample a crop that fits; fall back to a full center crop.
	for attempt := 0; attempt < 10; attempt++ {
		area := srcArea * (minCropArea + a.rng.Float64()*(1-minCropArea))
		logRatio := math.Log(minAspectRatio) + a.rng.Float64()*(math.Log(maxAspectRatio)-math.Log(minAspectRatio))
		ratio := math.Exp(logRatio)
		w := int(math.Round(math.Sqrt(area * ratio)))
		h := int(math.Round(math.Sqrt(area / ratio)))
		if w <= 0 || h <= 0 || w > srcW || h > srcH {
			continue
		}
		x := bounds.Min.X + a.rng.Intn(srcW-w+1)
		y := bounds.Min.Y + a.rng.Intn(srcH-h+1)
		cropped := imaging.Crop(img, image.Rect(x, y, x+w, y+h))
		return imaging.Resize(cropped, a.CropSize, a.CropSize, imaging.Lanczos)
	}
	return imaging.Resize(imaging.CropCenter(img, srcW, srcH), a.CropSize, a.CropSize, imaging.Lanczos)
}

// colorJitter perturbs brightness, contrast and saturation, each by a random
// percentage bounded by the strength.
func (a *Augmenter) colorJitter(img image.Image) image.Image {
	out := imaging.AdjustBrightness(img, a.jitterPercentage())
	out = imaging.AdjustContrast(out, a.jitterPercentage())
	out = imaging.AdjustSaturation(out, a.jitterPercentage())
	return out
}

func (a *Augmenter) jitterPercentage() float64 {
	return (a.rng.Float64()*2 - 1) * maxJitterPercent * a.Strength
}

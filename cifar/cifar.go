// Package cifar downloads and parses the CIFAR-10 and CIFAR-100 datasets
// (https://www.cs.toronto.edu/~kriz/cifar.html) and exposes them as
// train.Dataset implementations, including the paired-augmented-view dataset
// used for contrastive pretraining.
package cifar

import (
	"fmt"
	"image"
	"io"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/simclr/internal/downloader"
	"github.com/pkg/errors"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10Hash    = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	C100Url     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	C100TarName = "cifar-100-binary.tar.gz"
	C100SubDir  = "cifar-100-binary"
	C100Hash    = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"

	// NumTrainExamples and NumTestExamples are the split sizes, the same for
	// CIFAR-10 and CIFAR-100.
	NumTrainExamples = 50000
	NumTestExamples  = 10000
)

// Width, Height and Depth of the images, the same for both datasets.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const (
	examplesPerC10File = 10000
	imageSizeBytes     = Height * Width * Depth
)

var C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// C100FineLabels are the 100 fine-grained classes; the coarse superclass
// labels in the files are discarded.
var C100FineLabels = []string{"apple", "aquarium_fish", "baby", "bear", "beaver", "bed", "bee", "beetle", "bicycle",
	"bottle", "bowl", "boy", "bridge", "bus", "butterfly", "camel", "can", "castle", "caterpillar", "cattle",
	"chair", "chimpanzee", "clock", "cloud", "cockroach", "couch", "crab", "crocodile", "cup", "dinosaur",
	"dolphin", "elephant", "flatfish", "forest", "fox", "girl", "hamster", "house", "kangaroo", "keyboard", "lamp",
	"lawn_mower", "leopard", "lion", "lizard", "lobster", "man", "maple_tree", "motorcycle", "mountain", "mouse",
	"mushroom", "oak_tree", "orange", "orchid", "otter", "palm_tree", "pear", "pickup_truck", "pine_tree", "plain",
	"plate", "poppy", "porcupine", "possum", "rabbit", "raccoon", "ray", "road", "rocket", "rose", "sea", "seal",
	"shark", "shrew", "skunk", "skyscraper", "snail", "snake", "spider", "squirrel", "streetcar", "sunflower",
	"sweet_pepper", "table", "tank", "telephone", "television", "tiger", "tractor", "train", "trout", "tulip",
	"turtle", "wardrobe", "whale", "willow_tree", "wolf", "woman", "worm"}

// Example is one decoded image with its class label.
type Example struct {
	Image *image.NRGBA
	Label int
}

// Data holds a decoded dataset split into its canonical train/test partitions.
type Data struct {
	NumClasses  int
	Train, Test []Example
}

// Download fetches and unpacks the dataset for numClasses (10 or 100) under
// baseDir, skipping work already done. The tarball checksum is verified.
func Download(baseDir string, numClasses int) error {
	switch numClasses {
	case 10:
		return downloader.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, C10Hash)
	case 100:
		return downloader.DownloadAndUntarIfMissing(C100Url, baseDir, C100TarName, C100SubDir, C100Hash)
	}
	return errors.Errorf("CIFAR has 10 or 100 classes, not %d", numClasses)
}

// Load parses the downloaded dataset for numClasses (10 or 100) from baseDir.
func Load(baseDir string, numClasses int) (*Data, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	switch numClasses {
	case 10:
		return loadC10(baseDir)
	case 100:
		return loadC100(baseDir)
	}
	return nil, errors.Errorf("CIFAR has 10 or 100 classes, not %d", numClasses)
}

// loadC10 parses the six CIFAR-10 batch files: five train, one test. Each
// record is one label byte followed by the image planes.
func loadC10(baseDir string) (*Data, error) {
	examples := make([]Example, 0, NumTrainExamples+NumTestExamples)
	for fileIdx := 0; fileIdx < 6; fileIdx++ {
		dataFile := path.Join(baseDir, C10SubDir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1))
		if fileIdx == 5 {
			dataFile = path.Join(baseDir, C10SubDir, "test_batch.bin")
		}
		f, err := os.Open(dataFile)
		if err != nil {
			return nil, errors.Wrapf(err, "opening data file %q", dataFile)
		}
		var record [1 + imageSizeBytes]byte
		for inFileIdx := 0; inFileIdx < examplesPerC10File; inFileIdx++ {
			if _, err := io.ReadFull(f, record[:]); err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "reading example %d of %q", inFileIdx, dataFile)
			}
			examples = append(examples, Example{
				Image: decodeImage(record[1:]),
				Label: int(record[0]),
			})
		}
		if err := f.Close(); err != nil {
			return nil, errors.Wrapf(err, "closing %q", dataFile)
		}
	}
	return &Data{
		NumClasses: 10,
		Train:      examples[:NumTrainExamples],
		Test:       examples[NumTrainExamples:],
	}, nil
}

// loadC100 parses train.bin and test.bin. Each record carries two label
// bytes, coarse then fine; only the fine label is kept.
func loadC100(baseDir string) (*Data, error) {
	examples := make([]Example, 0, NumTrainExamples+NumTestExamples)
	for _, fileName := range []string{"train.bin", "test.bin"} {
		dataFile := path.Join(baseDir, C100SubDir, fileName)
		f, err := os.Open(dataFile)
		if err != nil {
			return nil, errors.Wrapf(err, "opening data file %q", dataFile)
		}
		var record [2 + imageSizeBytes]byte
		for inFileIdx := 0; true; inFileIdx++ {
			_, err := io.ReadFull(f, record[:])
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "reading example %d of %q", inFileIdx, dataFile)
			}
			examples = append(examples, Example{
				Image: decodeImage(record[2:]),
				Label: int(record[1]),
			})
		}
		if err := f.Close(); err != nil {
			return nil, errors.Wrapf(err, "closing %q", dataFile)
		}
	}
	if len(examples) != NumTrainExamples+NumTestExamples {
		return nil, errors.Errorf("CIFAR-100 files held %d examples, expected %d",
			len(examples), NumTrainExamples+NumTestExamples)
	}
	return &Data{
		NumClasses: 100,
		Train:      examples[:NumTrainExamples],
		Test:       examples[NumTrainExamples:],
	}, nil
}

// decodeImage converts one plane-major record (red plane, then green, then
// blue, each Height*Width bytes) into an NRGBA image.
func decodeImage(planes []byte) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	planeSize := Height * Width
	for h := 0; h < Height; h++ {
		for w := 0; w < Width; w++ {
			offset := img.PixOffset(w, h)
			img.Pix[offset+0] = planes[h*Width+w]
			img.Pix[offset+1] = planes[planeSize+h*Width+w]
			img.Pix[offset+2] = planes[2*planeSize+h*Width+w]
			img.Pix[offset+3] = 0xFF
		}
	}
	return img
}
